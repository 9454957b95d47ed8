package constraints

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requestSchemaJSON describes the shape POST /evaluate requires before any
// constraint logic runs. serviceName/toolName/callerIdentity/arguments are
// mandatory; the rest are optional context carried through to the
// authority's approval workflow.
const requestSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["serviceName", "toolName", "callerIdentity", "arguments"],
	"properties": {
		"serviceName": {"type": "string", "minLength": 1},
		"toolName": {"type": "string", "minLength": 1},
		"callerIdentity": {"type": "string", "minLength": 1},
		"callerClaims": {"type": "object"},
		"arguments": {"type": "string"},
		"sessionId": {"type": "string"},
		"requestPayload": {"type": "string"}
	}
}`

const requestSchemaURL = "https://policyplane.schemas.local/evaluate-request.schema.json"

// compileRequestSchema compiles the embedded evaluate-request schema once at
// startup. A failure here is a programming error, not a runtime condition,
// so it panics rather than threading an error through NewEvaluator.
func compileRequestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(requestSchemaURL, strings.NewReader(requestSchemaJSON)); err != nil {
		panic("constraints: embedded request schema failed to load: " + err.Error())
	}
	compiled, err := c.Compile(requestSchemaURL)
	if err != nil {
		panic("constraints: embedded request schema failed to compile: " + err.Error())
	}
	return compiled
}
