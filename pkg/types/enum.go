package types

import (
	"strconv"

	json "github.com/goccy/go-json"
)

// EnumValue holds a hub enum that arrives either as a protobuf numeric code
// (typed decode) or as a SCREAMING_SNAKE string (JSON API). Both forms decode
// losslessly; mapping to compact strings happens in the record factories.
type EnumValue struct {
	Str string
	Num int64
}

// IsZero reports whether no value was decoded
func (v EnumValue) IsZero() bool {
	return v.Str == "" && v.Num == 0
}

func (v *EnumValue) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v.Str = s
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	v.Num = n
	return nil
}

func (v EnumValue) MarshalJSON() ([]byte, error) {
	if v.Str != "" {
		return json.Marshal(v.Str)
	}
	return []byte(strconv.FormatInt(v.Num, 10)), nil
}
