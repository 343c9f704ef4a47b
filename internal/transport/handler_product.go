package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func handleProductGet(products ProductReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := products.Product(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}
