// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of
// the working directory or installation location.
package schemasassets

import _ "embed"

// ProvidersSchema is the embedded providers-file JSON schema.
//
//go:embed providers.schema.json
var ProvidersSchema []byte
