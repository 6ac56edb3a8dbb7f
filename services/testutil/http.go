package testutil

import (
	"net/http/httptest"

	"github.com/gin-gonic/gin"
)

func MakeAPIRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
