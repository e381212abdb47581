package validation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// BindAndValidate binds the JSON body into req, normalizes it and runs
// validation. On failure it writes a 400 response and returns the error so
// the handler can short-circuit.
func BindAndValidate(c *gin.Context, req *DispatchRequest, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request_body",
			"message": err.Error(),
		})
		return err
	}

	req.Normalize()
	if err := v.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"fields": FieldErrors(err),
		})
		return err
	}
	return nil
}
