package amtg

// builtinTemplates maps template name to content. Names follow
// "<framework>.tmpl".
var builtinTemplates = map[string]string{
	"vitest.tmpl": vitestTemplate,
	"jest.tmpl":   jestTemplate,
}

const vitestTemplate = `import { describe, it, expect } from 'vitest';
{{#if ui}}
import { render } from '@testing-library/react';
{{/if}}
import * as subject from '{{import_path}}';

// Risk {{risk_score}}/5.{{#if coverage}} Line coverage at generation: {{coverage}}%.{{/if}}
describe('{{module_name}}', () => {
  it('loads the module', () => {
    expect(subject).toBeDefined();
  });
{{#if ui}}

  it('renders without crashing', () => {
    const Component = Object.values(subject).find((v) => typeof v === 'function');
    expect(Component).toBeDefined();
    render(Component());
  });
{{/if}}

  it.todo('covers the main behavior of {{module_name}}');
  it.todo('covers error handling in {{module_name}}');
});
`

const jestTemplate = `{{#if ui}}
import { render } from '@testing-library/react';
{{/if}}
import * as subject from '{{import_path}}';

// Risk {{risk_score}}/5.{{#if coverage}} Line coverage at generation: {{coverage}}%.{{/if}}
describe('{{module_name}}', () => {
  it('loads the module', () => {
    expect(subject).toBeDefined();
  });
{{#if ui}}

  it('renders without crashing', () => {
    const Component = Object.values(subject).find((v) => typeof v === 'function');
    expect(Component).toBeDefined();
    render(Component());
  });
{{/if}}

  it.todo('covers the main behavior of {{module_name}}');
  it.todo('covers error handling in {{module_name}}');
});
`
