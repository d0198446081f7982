package volsurface

import (
	"strings"

	"volsurface/pkg/errors"
)

// Method selects the surface construction strategy
type Method string

const (
	// MethodSimple interpolates cubic splines per slice then across TTE, masked to the data hull
	MethodSimple Method = "simple"
	// MethodRBF is a global thin-plate-spline radial basis interpolation
	MethodRBF Method = "rbf"
	// MethodSVI fits a raw SVI curve per expiration slice
	MethodSVI Method = "svi"
)

// DefaultMethod is used when no method is requested
const DefaultMethod = MethodRBF

// Methods lists every supported method
func Methods() []Method {
	return []Method{MethodSimple, MethodRBF, MethodSVI}
}

// Valid reports whether m is a supported method
func (m Method) Valid() bool {
	switch m {
	case MethodSimple, MethodRBF, MethodSVI:
		return true
	}
	return false
}

func (m Method) String() string {
	return string(m)
}

// ParseMethod parses a method name; empty selects DefaultMethod
func ParseMethod(s string) (Method, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultMethod, nil
	}
	m := Method(s)
	if !m.Valid() {
		return "", errors.NewValidationError("method", "expected simple, rbf or svi", s)
	}
	return m, nil
}
