package condition

import (
	"encoding/json"
	"fmt"
)

// Parse decodes a condition tree. The type tag is resolved first so an
// unknown tag fails before any parameter decoding.
func Parse(data []byte) (Condition, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	kind, err := ParseKind(probe.Type)
	if err != nil {
		return nil, err
	}

	var c Condition
	switch kind {
	case KindAmountThreshold:
		c = &AmountThreshold{Operator: OpGreaterThan}
	case KindVelocity:
		c = &Velocity{}
	case KindLocationAnomaly:
		c = &LocationAnomaly{}
	case KindNewAccount:
		c = &NewAccount{}
	case KindUnusualMerchant:
		c = &UnusualMerchant{}
	case KindTimeOfDay:
		c = &TimeOfDay{}
	case KindAmountDeviation:
		c = &AmountDeviation{StandardDeviationMultiplier: 3.0, MinimumTransactionCount: 5}
	case KindComposite:
		c = &Composite{Logic: LogicAnd}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, kind, err)
	}
	if err := c.normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return c, nil
}

// Marshal encodes a condition tree with its type tags.
func Marshal(c Condition) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil condition", ErrInvalid)
	}
	return json.Marshal(c)
}

// UnmarshalJSON decodes the children through Parse so each carries its own tag.
func (c *Composite) UnmarshalJSON(data []byte) error {
	var raw struct {
		Logic      Logic             `json:"logic"`
		Conditions []json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Logic != "" {
		c.Logic = raw.Logic
	}
	c.Conditions = make([]Condition, 0, len(raw.Conditions))
	for i, child := range raw.Conditions {
		parsed, err := Parse(child)
		if err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
		c.Conditions = append(c.Conditions, parsed)
	}
	return nil
}

func tagged(kind Kind, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return []byte(`{"type":` + string(tag) + `}`), nil
	}
	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

func (c AmountThreshold) MarshalJSON() ([]byte, error) {
	type plain AmountThreshold
	return tagged(c.Kind(), plain(c))
}

func (c Velocity) MarshalJSON() ([]byte, error) {
	type plain Velocity
	return tagged(c.Kind(), plain(c))
}

func (c LocationAnomaly) MarshalJSON() ([]byte, error) {
	type plain LocationAnomaly
	return tagged(c.Kind(), plain(c))
}

func (c NewAccount) MarshalJSON() ([]byte, error) {
	type plain NewAccount
	return tagged(c.Kind(), plain(c))
}

func (c UnusualMerchant) MarshalJSON() ([]byte, error) {
	type plain UnusualMerchant
	return tagged(c.Kind(), plain(c))
}

func (c TimeOfDay) MarshalJSON() ([]byte, error) {
	type plain TimeOfDay
	return tagged(c.Kind(), plain(c))
}

func (c AmountDeviation) MarshalJSON() ([]byte, error) {
	type plain AmountDeviation
	return tagged(c.Kind(), plain(c))
}

func (c Composite) MarshalJSON() ([]byte, error) {
	type plain Composite
	p := plain(c)
	if p.Conditions == nil {
		p.Conditions = []Condition{}
	}
	return tagged(c.Kind(), p)
}
