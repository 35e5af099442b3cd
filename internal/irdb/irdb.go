// Package irdb implements the IR code database external collaborator named
// by spec.md §6.4: brand/model/code-id lookup and per-key waveform lookup,
// consumed through internal/services/infrared.IrDatabase.
//
// No third-party embedded datastore for this lookup shape exists anywhere
// in the retrieved corpus (see DESIGN.md); the table is small, read-mostly,
// and keyed by brand/model strings, so it is held in memory guarded by a
// single mutex rather than reaching for an out-of-corpus dependency.
package irdb

import (
	"sort"
	"strings"
	"sync"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/services/infrared"
)

// Code is one brand/model code entry and its per-key waveforms.
type Code struct {
	Brand     string
	Model     string
	ID        int
	Waveforms map[infrared.Key][]byte
}

// Database is an in-memory IrDatabase (spec.md §6.4's "IR code database").
type Database struct {
	mu    sync.RWMutex
	codes []Code
}

// New builds an empty database; load codes with Add or LoadAll.
func New() *Database {
	return &Database{}
}

// Add registers one code entry, replacing any existing entry sharing its ID.
func (d *Database) Add(c Code) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.codes {
		if existing.ID == c.ID {
			d.codes[i] = c
			return
		}
	}
	d.codes = append(d.codes, c)
}

// LoadAll replaces the database's contents with codes.
func (d *Database) LoadAll(codes []Code) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes = append([]Code(nil), codes...)
}

func matches(s, search string) bool {
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(search))
}

func paginate(all []string, offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}

// Brands returns the distinct, sorted brand names matching search
// (case-insensitive substring), paginated by offset/limit. options is
// accepted for interface compatibility (spec.md §6.4 leaves its contents
// unspecified) and currently unused.
func (d *Database) Brands(search string, options map[string]string, offset, limit int) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range d.codes {
		if matches(c.Brand, search) {
			seen[c.Brand] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Strings(out)
	return paginate(out, offset, limit), nil
}

// Models returns the distinct, sorted model names under brand matching
// search, paginated by offset/limit.
func (d *Database) Models(brand, search string, options map[string]string, offset, limit int) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range d.codes {
		if !strings.EqualFold(c.Brand, brand) {
			continue
		}
		if matches(c.Model, search) {
			seen[c.Model] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return paginate(out, offset, limit), nil
}

// CodeIDs returns every code id registered for brand/model, sorted
// ascending.
func (d *Database) CodeIDs(brand, model string, options map[string]string) ([]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []int
	for _, c := range d.codes {
		if strings.EqualFold(c.Brand, brand) && strings.EqualFold(c.Model, model) {
			ids = append(ids, c.ID)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// WaveformsFor returns the waveform bytes for each of keys under codeID; a
// key with no registered waveform is omitted from the result rather than
// erroring, since spec.md §4.7 treats missing waveforms as "skip that key".
func (d *Database) WaveformsFor(codeID int, keys []infrared.Key) (map[infrared.Key][]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, c := range d.codes {
		if c.ID != codeID {
			continue
		}
		out := make(map[infrared.Key][]byte, len(keys))
		for _, k := range keys {
			if wf, ok := c.Waveforms[k]; ok {
				out[k] = wf
			}
		}
		return out, nil
	}
	return nil, blercuerror.New(blercuerror.FileNotFound, "no IR code %d in database", codeID)
}

var _ infrared.IrDatabase = (*Database)(nil)
