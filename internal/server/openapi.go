package server

import (
	"context"
	_ "embed"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/tunnelbridge/internal/apierr"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
)

//go:embed openapi.yaml
var openapiYAML []byte

var (
	docOnce sync.Once
	doc     *openapi3.T
	docErr  error
)

// OpenAPI loads and validates the bridge API document.
func OpenAPI(ctx context.Context) (*openapi3.T, error) {
	docOnce.Do(func() {
		loader := openapi3.NewLoader()
		d, err := loader.LoadFromData(openapiYAML)
		if err != nil {
			docErr = err
			return
		}
		if err := d.Validate(ctx); err != nil {
			docErr = err
			return
		}
		doc = d
	})
	return doc, docErr
}

func openAPIHandler(w http.ResponseWriter, r *http.Request) {
	d, err := OpenAPI(r.Context())
	if err != nil {
		logx.Log.Error().Err(err).Msg("openapi document")
		apierr.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": http.StatusText(http.StatusInternalServerError)})
		return
	}
	apierr.WriteJSON(w, http.StatusOK, d)
}
