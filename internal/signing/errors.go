package signing

import (
	"errors"
	"fmt"
)

var (
	ErrSignerMissing  = errors.New("signing: signer capability missing")
	ErrSignerMismatch = errors.New("signing: order signer does not match signing key")
	ErrEncoding       = errors.New("signing: order encoding failed")
)

// 字段校验错误码
const (
	CodeInstrumentRequired = "INSTRUMENT_REQUIRED"
	CodeAssetRequired      = "ASSET_REQUIRED"
	CodeSubaccountRequired = "SUBACCOUNT_REQUIRED"
	CodeDirectionInvalid   = "DIRECTION_INVALID"
	CodeSizeTooSmall       = "SIZE_TOO_SMALL"
	CodeSizeTooLarge       = "SIZE_TOO_LARGE"
	CodePriceRequired      = "PRICE_REQUIRED"
	CodePriceTooLow        = "PRICE_TOO_LOW"
	CodePriceTooHigh       = "PRICE_TOO_HIGH"
	CodeMaxFeeInvalid      = "MAX_FEE_INVALID"
	CodeExpiryInPast       = "EXPIRY_IN_PAST"
	CodeNonceRequired      = "NONCE_REQUIRED"
)

// ValidationError 字段级校验错误，不可重试
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

func invalid(field, code, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}
