package api

import "github.com/go-playground/validator/v10"

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("lat", func(fl validator.FieldLevel) bool {
		lat := fl.Field().Float()
		return lat >= -90 && lat <= 90
	})
	_ = v.RegisterValidation("lng", func(fl validator.FieldLevel) bool {
		lng := fl.Field().Float()
		return lng >= -180 && lng <= 180
	})
	return v
}
