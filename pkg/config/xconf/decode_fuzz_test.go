package xconf

import (
	"testing"
)

func FuzzDecode(f *testing.F) {
	f.Add([]byte(fullYAML), "yaml")
	f.Add([]byte(testJSON), "json")
	f.Add([]byte("tokens:\n  values: [{value: x, kind: app}]\n"), "yaml")
	f.Add([]byte(`{"retry": {"base_delay": 5}}`), "json")
	f.Add([]byte{}, "yaml")

	f.Fuzz(func(t *testing.T, data []byte, format string) {
		fm, err := ParseFormat(format)
		if err != nil {
			return
		}
		cfg, err := NewFromBytes(data, fm)
		if err != nil {
			return
		}
		cc, err := Decode(cfg)
		if err != nil {
			return
		}
		// 只要求不 panic
		_ = cc.Validate()
	})
}
