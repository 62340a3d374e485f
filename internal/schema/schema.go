// Package schema validates annotation and comment payloads.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"folio/api/internal/errs"
	"github.com/go-playground/validator/v10"
)

// AnnotationTypes lists the accepted annotation type tags.
var AnnotationTypes = []string{
	"highlight", "underline", "strikethrough", "ink", "note", "shape",
	"stamp", "form", "signature", "text_edit", "image",
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func v() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("annotation_type", func(fl validator.FieldLevel) bool {
			return slices.Contains(AnnotationTypes, fl.Field().String())
		})
	})
	return validate
}

// AnnotationInput is the client-supplied shape of a new annotation.
type AnnotationInput struct {
	PageNumber *int            `json:"page_number" validate:"required,min=1"`
	Type       string          `json:"type" validate:"required,annotation_type"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

// AnnotationPatchInput is the client-supplied shape of an annotation update.
type AnnotationPatchInput struct {
	RevisionNumber *int            `json:"revision_number"`
	PageNumber     *int            `json:"page_number" validate:"omitempty,min=1"`
	Type           *string         `json:"type" validate:"omitempty,annotation_type"`
	Payload        json.RawMessage `json:"payload"`
}

type CommentInput struct {
	Body         string  `json:"body" validate:"required"`
	AnnotationID *string `json:"annotation"`
	ParentID     *string `json:"parent"`
}

type CommentPatchInput struct {
	RevisionNumber *int    `json:"revision_number"`
	Body           *string `json:"body"`
}

type Rect struct {
	X      *float64 `json:"x" validate:"required"`
	Y      *float64 `json:"y" validate:"required"`
	Width  *float64 `json:"width" validate:"required,min=0"`
	Height *float64 `json:"height" validate:"required,min=0"`
}

type Point struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
}

// Geometry is the typed part of an annotation payload. Other payload keys
// (color, text, stroke width) pass through untouched.
type Geometry struct {
	Rects  []Rect  `json:"rects" validate:"omitempty,dive"`
	Points []Point `json:"points" validate:"omitempty,dive"`
}

func ValidateAnnotation(input AnnotationInput) error {
	if err := v().Struct(input); err != nil {
		return translate(err)
	}
	return ValidatePayload(input.Payload)
}

func ValidateAnnotationPatch(input AnnotationPatchInput) error {
	if err := v().Struct(input); err != nil {
		return translate(err)
	}
	if len(input.Payload) > 0 {
		return ValidatePayload(input.Payload)
	}
	return nil
}

// ValidatePayload requires a JSON object carrying at least one rect or point,
// with every numeric geometry field present.
func ValidatePayload(payload json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return errs.Invalid("payload", "payload must be a JSON object")
	}
	var geometry Geometry
	if err := json.Unmarshal(payload, &geometry); err != nil {
		return errs.Invalid("payload", "geometry must be lists of numeric rects or points")
	}
	if len(geometry.Rects) == 0 && len(geometry.Points) == 0 {
		return errs.Invalid("payload", "payload requires rects or points")
	}
	if err := v().Struct(geometry); err != nil {
		return translate(err)
	}
	return nil
}

func ValidateComment(input CommentInput) error {
	if strings.TrimSpace(input.Body) == "" {
		return errs.Invalid("body", "body is required")
	}
	return nil
}

func ValidateCommentPatch(input CommentPatchInput) error {
	if input.Body != nil && strings.TrimSpace(*input.Body) == "" {
		return errs.Invalid("body", "body must not be blank")
	}
	return nil
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errs.Invalid("", err.Error())
	}
	first := verrs[0]
	field := first.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	switch first.Tag() {
	case "required":
		return errs.Invalid(field, fmt.Sprintf("%s is required", field))
	case "min":
		return errs.Invalid(field, fmt.Sprintf("%s must be at least %s", field, first.Param()))
	case "annotation_type":
		return errs.Invalid(field, fmt.Sprintf("%s must be one of %s", field, strings.Join(AnnotationTypes, ", ")))
	default:
		return errs.Invalid(field, fmt.Sprintf("%s failed %s", field, first.Tag()))
	}
}
