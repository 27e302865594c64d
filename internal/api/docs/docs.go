// Package docs embeds the OpenAPI document served at /docs/doc.json.
package docs

import (
	_ "embed"
	"net/http"
)

//go:embed doc.json
var doc []byte

// Handler serves the embedded OpenAPI document.
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}
