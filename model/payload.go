package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validator returns the shared validator with json field naming, so other
// packages report field errors under the same names.
func Validator() *validator.Validate { return validate }

// FieldErrors converts a validator error into field-level details. Errors of
// any other type become a single detail without a field.
func FieldErrors(err error) []FieldError {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Code: "invalid", Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()),
		})
	}
	return out
}

// Payload is the type-specific body of a request. The set of variants is
// closed: one per RequestType.
type Payload interface {
	RequestType() RequestType
	Validate() []FieldError
	isPayload()
}

// LeavePayload is the body of a leave request. DaysCount is what terminal
// approval deducts from the requester's balance.
type LeavePayload struct {
	LeaveType   string          `json:"leave_type" validate:"required,oneof=annual sick personal special"`
	StartDate   string          `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string          `json:"end_date" validate:"required,datetime=2006-01-02"`
	DaysCount   decimal.Decimal `json:"days_count"`
	HalfDaySlot *string         `json:"half_day_slot,omitempty" validate:"omitempty,oneof=morning afternoon"`
}

// OvertimePayload is the body of an overtime request.
type OvertimePayload struct {
	WorkDate  string          `json:"work_date" validate:"required,datetime=2006-01-02"`
	StartTime string          `json:"start_time" validate:"required,datetime=15:04"`
	EndTime   string          `json:"end_time" validate:"required,datetime=15:04"`
	Hours     decimal.Decimal `json:"hours"`
	Reason    string          `json:"reason" validate:"required,max=500"`
}

// ExpensePayload is the body of an expense claim.
type ExpensePayload struct {
	Category    string          `json:"category" validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required,iso4217"`
	Description string          `json:"description" validate:"max=1000"`
	ReceiptRefs []string        `json:"receipt_refs,omitempty" validate:"omitempty,dive,required"`
}

// WelfarePayload is the body of a welfare benefit claim.
type WelfarePayload struct {
	Category    string          `json:"category" validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=1000"`
}

// GeneralPayload is the body of a general document.
type GeneralPayload struct {
	Title string `json:"title" validate:"required,max=200"`
	Body  string `json:"body" validate:"required"`
}

func (LeavePayload) RequestType() RequestType    { return RequestTypeLeave }
func (OvertimePayload) RequestType() RequestType { return RequestTypeOvertime }
func (ExpensePayload) RequestType() RequestType  { return RequestTypeExpense }
func (WelfarePayload) RequestType() RequestType  { return RequestTypeWelfare }
func (GeneralPayload) RequestType() RequestType  { return RequestTypeGeneral }

func (LeavePayload) isPayload()    {}
func (OvertimePayload) isPayload() {}
func (ExpensePayload) isPayload()  {}
func (WelfarePayload) isPayload()  {}
func (GeneralPayload) isPayload()  {}

// Validate checks field formats and the date range. A half-day leave must
// count exactly half a day and start and end on the same date.
func (p LeavePayload) Validate() []FieldError {
	errs := FieldErrors(validate.Struct(p))
	if !p.DaysCount.IsPositive() {
		errs = append(errs, FieldError{Field: "days_count", Code: "gt", Message: "days_count must be greater than zero"})
	} else if ExceedsDayScale(p.DaysCount) {
		errs = append(errs, FieldError{Field: "days_count", Code: "scale", Message: "days_count allows at most 2 decimal places"})
	}
	if len(errs) > 0 {
		return errs
	}

	start, _ := time.Parse(dateLayout, p.StartDate)
	end, _ := time.Parse(dateLayout, p.EndDate)
	if end.Before(start) {
		errs = append(errs, FieldError{Field: "end_date", Code: "gtefield", Message: "end_date must not be before start_date"})
	}
	if p.HalfDaySlot != nil {
		if !p.DaysCount.Equal(decimal.NewFromFloat(0.5)) {
			errs = append(errs, FieldError{Field: "days_count", Code: "half_day", Message: "a half-day leave counts 0.5 days"})
		}
		if !start.Equal(end) {
			errs = append(errs, FieldError{Field: "end_date", Code: "half_day", Message: "a half-day leave starts and ends on the same date"})
		}
	}
	return errs
}

// Validate checks field formats and that the hours are positive.
func (p OvertimePayload) Validate() []FieldError {
	errs := FieldErrors(validate.Struct(p))
	if !p.Hours.IsPositive() {
		errs = append(errs, FieldError{Field: "hours", Code: "gt", Message: "hours must be greater than zero"})
	}
	return errs
}

// Validate checks field formats and that the amount is positive.
func (p ExpensePayload) Validate() []FieldError {
	errs := FieldErrors(validate.Struct(p))
	if !p.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Code: "gt", Message: "amount must be greater than zero"})
	}
	return errs
}

// Validate checks field formats and that the amount is positive.
func (p WelfarePayload) Validate() []FieldError {
	errs := FieldErrors(validate.Struct(p))
	if !p.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Code: "gt", Message: "amount must be greater than zero"})
	}
	return errs
}

// Validate checks field formats.
func (p GeneralPayload) Validate() []FieldError {
	return FieldErrors(validate.Struct(p))
}

// payloadEnvelope is the wire and storage shape of a Payload.
type payloadEnvelope struct {
	Type RequestType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload encodes p as {"type": ..., "data": {...}}.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.RequestType(), err)
	}
	return json.Marshal(payloadEnvelope{Type: p.RequestType(), Data: data})
}

// DecodePayload decodes a payload produced by EncodePayload.
func DecodePayload(raw []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	return DecodePayloadAs(env.Type, env.Data)
}

// DecodePayloadAs decodes the data of a payload of the given type.
func DecodePayloadAs(t RequestType, data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, NewFieldError("payload", "required", "payload is required")
	}
	switch t {
	case RequestTypeLeave:
		return decodeInto[LeavePayload](data)
	case RequestTypeOvertime:
		return decodeInto[OvertimePayload](data)
	case RequestTypeExpense:
		return decodeInto[ExpensePayload](data)
	case RequestTypeWelfare:
		return decodeInto[WelfarePayload](data)
	case RequestTypeGeneral:
		return decodeInto[GeneralPayload](data)
	default:
		return nil, NewFieldError("type", "oneof", fmt.Sprintf("unknown request type %q", t))
	}
}

func decodeInto[P Payload](data []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, NewFieldError("payload", "invalid", err.Error())
	}
	return p, nil
}
