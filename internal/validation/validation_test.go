package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidCredentialRef(t *testing.T) {
	assert.True(t, ValidCredentialRef("123456789:AAF0abcdEFGH_ijkl-MNOPqrstuvwxYZ12"))
	assert.False(t, ValidCredentialRef("no-colon-here"))
	assert.False(t, ValidCredentialRef("abc:AAF0abcdEFGHijklMNOPqrstuvwxYZ12"))
	assert.False(t, ValidCredentialRef("123:short"))
	assert.False(t, ValidCredentialRef(""))
}

func TestValidateMethods(t *testing.T) {
	assert.NoError(t, ValidateMethods(nil))
	assert.NoError(t, ValidateMethods([]string{"manual_approval", "external_gateway"}))

	err := ValidateMethods([]string{"manual_approval", "carrier_pigeon"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "carrier_pigeon")
}

func TestSanitizeTitle(t *testing.T) {
	assert.Equal(t, "Premium Signals", SanitizeTitle("  Premium Signals  "))
	assert.Equal(t, "ab", SanitizeTitle("a\x00b"))

	long := strings.Repeat("x", MaxTitleLength+50)
	assert.Len(t, SanitizeTitle(long), MaxTitleLength)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(64))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.Status(http.StatusOK)
	})

	small := httptest.NewRecorder()
	r.ServeHTTP(small, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusOK, small.Code)

	big := httptest.NewRecorder()
	payload := `{"a":"` + strings.Repeat("y", 200) + `"}`
	r.ServeHTTP(big, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(payload)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, big.Code)
}
