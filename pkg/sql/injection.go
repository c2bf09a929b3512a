package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on a variable value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Variable    string // Name of the variable that failed the check
	Value       string // The offending string
}

// CheckValueForInjection uses libinjection to detect SQL injection patterns in
// a variable value. Strings and string elements of slices are checked; other
// values cannot carry injection and return nil.
//
//	result := CheckValueForInjection("search", "'; DROP TABLE users--")
//	// result.IsSQLi == true
//	// result.Variable == "search"
func CheckValueForInjection(name string, value any) *InjectionCheckResult {
	switch v := value.(type) {
	case string:
		return checkString(name, v)
	case []string:
		for _, s := range v {
			if r := checkString(name, s); r != nil {
				return r
			}
		}
	case []any:
		for _, elem := range v {
			if s, ok := elem.(string); ok {
				if r := checkString(name, s); r != nil {
					return r
				}
			}
		}
	}
	return nil
}

func checkString(name, value string) *InjectionCheckResult {
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		Variable:    name,
		Value:       value,
	}
}
