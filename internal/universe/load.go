package universe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aristath/sentinel-screener/internal/errs"
)

// Load parses and normalizes a Universe from a JSON file. Ticker symbols
// are uppercased and trimmed once here; every later component treats
// Ticker as an opaque, pre-normalized string.
func Load(path string) (Universe, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Universe{}, errs.Global(errs.ConfigInvalid, fmt.Errorf("reading universe file %s: %w", path, err))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var u Universe
	if err := dec.Decode(&u); err != nil {
		return Universe{}, errs.Global(errs.ConfigInvalid, fmt.Errorf("parsing universe file %s: %w", path, err))
	}

	if err := validate(u); err != nil {
		return Universe{}, errs.Global(errs.ConfigInvalid, err)
	}

	for i := range u.Sectors {
		for j, t := range u.Sectors[i].Tickers {
			u.Sectors[i].Tickers[j] = Normalize(t)
		}
	}

	return u, nil
}

func validate(u Universe) error {
	if u.Name == "" {
		return fmt.Errorf("universe: name is required")
	}
	if u.IndexSymbol == "" {
		return fmt.Errorf("universe %q: index_symbol is required", u.Name)
	}
	if len(u.Sectors) == 0 {
		return fmt.Errorf("universe %q: must have at least one sector", u.Name)
	}
	for _, s := range u.Sectors {
		if s.Name == "" {
			return fmt.Errorf("universe %q: sector with empty name", u.Name)
		}
		if s.Weight < 0.9 || s.Weight > 1.4 {
			return fmt.Errorf("universe %q: sector %q weight %.2f out of range [0.9, 1.4]", u.Name, s.Name, s.Weight)
		}
		if len(s.Tickers) == 0 {
			return fmt.Errorf("universe %q: sector %q has no tickers", u.Name, s.Name)
		}
	}
	return nil
}
