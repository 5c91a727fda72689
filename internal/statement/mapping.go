package statement

import (
	"fmt"
	"strconv"
	"strings"
)

// ColumnRef points at a statement column either by header name or by 1-based
// position. The zero value means "not mapped".
type ColumnRef struct {
	Name  string
	Index int // 1-based; 0 = unset
}

// ByName references a column by its header label.
func ByName(name string) ColumnRef { return ColumnRef{Name: name} }

// ByIndex references a column by 1-based position, for headerless exports.
func ByIndex(i int) ColumnRef { return ColumnRef{Index: i} }

func (c ColumnRef) isSet() bool { return c.Name != "" || c.Index > 0 }

// ColumnMapping describes where each canonical statement field lives in the
// uploaded file. It is resolved once against the header; the matcher never
// sees raw columns.
type ColumnMapping struct {
	Customer        ColumnRef
	PolicyNumber    ColumnRef
	EffectiveDate   ColumnRef
	Amount          ColumnRef
	Premium         ColumnRef
	CarrierName     ColumnRef
	TransactionType ColumnRef
	PolicyType      ColumnRef
}

// resolvedMapping holds 0-based column indexes; -1 means absent.
type resolvedMapping struct {
	customer, policy, date, amount          int
	premium, carrier, transType, policyType int
}

// Resolve fixes the mapping against a header row. The four required fields
// (customer, policy number, effective date, amount) must resolve.
func (m ColumnMapping) Resolve(header []string) (resolvedMapping, error) {
	r := resolvedMapping{}
	var err error
	if r.customer, err = resolveRef("customer", m.Customer, header, true); err != nil {
		return r, err
	}
	if r.policy, err = resolveRef("policy number", m.PolicyNumber, header, true); err != nil {
		return r, err
	}
	if r.date, err = resolveRef("effective date", m.EffectiveDate, header, true); err != nil {
		return r, err
	}
	if r.amount, err = resolveRef("amount", m.Amount, header, true); err != nil {
		return r, err
	}
	if r.premium, err = resolveRef("premium", m.Premium, header, false); err != nil {
		return r, err
	}
	if r.carrier, err = resolveRef("carrier", m.CarrierName, header, false); err != nil {
		return r, err
	}
	if r.transType, err = resolveRef("transaction type", m.TransactionType, header, false); err != nil {
		return r, err
	}
	if r.policyType, err = resolveRef("policy type", m.PolicyType, header, false); err != nil {
		return r, err
	}
	return r, nil
}

func resolveRef(field string, ref ColumnRef, header []string, required bool) (int, error) {
	if !ref.isSet() {
		if required {
			return -1, fmt.Errorf("column mapping: %s is required", field)
		}
		return -1, nil
	}
	if ref.Index > 0 {
		if len(header) > 0 && ref.Index > len(header) {
			return -1, fmt.Errorf("column mapping: %s index %d out of range (%d columns)", field, ref.Index, len(header))
		}
		return ref.Index - 1, nil
	}
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(ref.Name)) {
			return i, nil
		}
	}
	if required {
		return -1, fmt.Errorf("column mapping: %s column %q not found", field, ref.Name)
	}
	return -1, nil
}

// ParseMappingSpec builds a ColumnMapping from a compact CLI spec like
// "customer=Insured Name,policy=Policy #,date=#3,amount=Commission".
// Values starting with '#' are 1-based column indexes.
func ParseMappingSpec(spec string) (ColumnMapping, error) {
	var m ColumnMapping
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return m, fmt.Errorf("mapping spec: %q is not key=value", pair)
		}
		ref, err := parseRef(strings.TrimSpace(value))
		if err != nil {
			return m, err
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "customer":
			m.Customer = ref
		case "policy":
			m.PolicyNumber = ref
		case "date":
			m.EffectiveDate = ref
		case "amount":
			m.Amount = ref
		case "premium":
			m.Premium = ref
		case "carrier":
			m.CarrierName = ref
		case "type":
			m.TransactionType = ref
		case "policy_type":
			m.PolicyType = ref
		default:
			return m, fmt.Errorf("mapping spec: unknown field %q", key)
		}
	}
	return m, nil
}

func parseRef(value string) (ColumnRef, error) {
	if strings.HasPrefix(value, "#") {
		i, err := strconv.Atoi(value[1:])
		if err != nil || i < 1 {
			return ColumnRef{}, fmt.Errorf("mapping spec: bad column index %q", value)
		}
		return ByIndex(i), nil
	}
	if value == "" {
		return ColumnRef{}, fmt.Errorf("mapping spec: empty column reference")
	}
	return ByName(value), nil
}
