package model

import (
	"sort"
	"strings"
)

// FieldKey identifies one enrichable business attribute. The set is closed:
// adapters translate provider payloads into these keys at their own boundary.
type FieldKey string

const (
	FieldName          FieldKey = "name"
	FieldLegalName     FieldKey = "legal_name"
	FieldCNPJ          FieldKey = "cnpj"
	FieldDescription   FieldKey = "description"
	FieldIndustry      FieldKey = "industry"
	FieldEmployeeCount FieldKey = "employee_count"
	FieldAnnualRevenue FieldKey = "annual_revenue"
	FieldFoundedYear   FieldKey = "founded_year"
	FieldPhone         FieldKey = "phone"
	FieldEmail         FieldKey = "email"
	FieldEmailProvider FieldKey = "email_provider"
	FieldCity          FieldKey = "city"
	FieldState         FieldKey = "state"
	FieldCountry       FieldKey = "country"
	FieldLinkedInURL   FieldKey = "linkedin_url"
	FieldLogoURL       FieldKey = "logo_url"
)

// FieldKeys lists every known field in schema order.
var FieldKeys = []FieldKey{
	FieldName,
	FieldLegalName,
	FieldCNPJ,
	FieldDescription,
	FieldIndustry,
	FieldEmployeeCount,
	FieldAnnualRevenue,
	FieldFoundedYear,
	FieldPhone,
	FieldEmail,
	FieldEmailProvider,
	FieldCity,
	FieldState,
	FieldCountry,
	FieldLinkedInURL,
	FieldLogoURL,
}

// ExpectedFieldCount is the full schema breadth used for completeness scoring.
// It must equal len(FieldKeys).
const ExpectedFieldCount = 16

var fieldIndex = func() map[FieldKey]int {
	m := make(map[FieldKey]int, len(FieldKeys))
	for i, k := range FieldKeys {
		m[k] = i
	}
	return m
}()

// ParseFieldKey maps a provider or config spelling onto a FieldKey.
func ParseFieldKey(s string) (FieldKey, bool) {
	k := FieldKey(strings.ToLower(strings.TrimSpace(s)))
	_, ok := fieldIndex[k]
	return k, ok
}

// Valid reports whether k belongs to the closed schema.
func (k FieldKey) Valid() bool {
	_, ok := fieldIndex[k]
	return ok
}

// Fields maps a field to its value. An empty value means "not supplied".
type Fields map[FieldKey]string

// Clone returns an independent copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keys returns the populated keys in schema order.
func (f Fields) Keys() []FieldKey {
	keys := make([]FieldKey, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ii, iok := fieldIndex[keys[i]]
		jj, jok := fieldIndex[keys[j]]
		if iok != jok {
			return iok
		}
		if ii != jj {
			return ii < jj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Compact drops unknown keys and blank values, trimming the rest.
func (f Fields) Compact() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if !k.Valid() {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
