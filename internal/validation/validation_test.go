package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidate_CollectsFailures(t *testing.T) {
	errs := Validate(
		Required("registeredCountry", ""),
		Country("registeredCountry", "KEN"),
		IPAddress("ipAddress", "999.1.1.1"),
		Email("email", "not-an-email"),
		UserID("userId", "user 1"),
		MaxLength("userAgent", strings.Repeat("a", 10), 5),
	)
	assert.Len(t, errs, 6)
	assert.Equal(t, "registeredCountry: is required", errs.Error())
}

func TestValidate_AcceptsGoodInput(t *testing.T) {
	errs := Validate(
		Required("registeredCountry", "KE"),
		Country("registeredCountry", "ke"),
		IPAddress("ipAddress", "41.90.64.1"),
		IPAddress("ipAddress", "2c0f:fe38::1"),
		Email("email", "wanjiru@example.co.ke"),
		UserID("userId", "usr_01HZX8"),
		Country("phoneCountry", ""),
	)
	assert.Empty(t, errs)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc  ", 10))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
}

func TestUserIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/users/:userId", UserIDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/usr_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/v1/location/verify", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/location/verify", strings.NewReader(`{"ipAddress":"41.90.64.1"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
