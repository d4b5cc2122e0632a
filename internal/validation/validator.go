package validation

import (
	"reflect"
	"regexp"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/shopspring/decimal"
)

var kePhone = regexp.MustCompile(`^254\d{9}$`)

// New returns a configured validator with the custom rules and struct-level
// validation registered. Field errors are reported by their JSON names.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("notblank", func(fl validatorv10.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("payment_method", func(fl validatorv10.FieldLevel) bool {
		return orders.PaymentMethod(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("ke_phone", func(fl validatorv10.FieldLevel) bool {
		return kePhone.MatchString(fl.Field().String())
	})

	v.RegisterStructValidation(pushPaymentStructValidation, PushPaymentRequest{})

	return v
}

// pushPaymentStructValidation rejects amounts with more precision than cents.
func pushPaymentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(PushPaymentRequest)

	amount := decimal.NewFromFloat(req.Amount)
	if !amount.Equal(amount.Round(2)) {
		sl.ReportError(req.Amount, "amount", "Amount", "amount_precision", "")
	}
}
