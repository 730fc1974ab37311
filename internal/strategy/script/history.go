package script

import (
	"fmt"

	"github.com/d5/tengo/v2"

	"finera/internal/domain"
	"finera/internal/series"
)

var columnNames = [...]string{"open", "high", "low", "close", "volume"}

// barCache converts bars to tengo objects once per run. Windows handed to a
// strategy are prefixes of the same series, so the cache only ever grows.
type barCache struct {
	bars    []tengo.Object
	columns map[string][]tengo.Object
}

func newBarCache() *barCache {
	c := &barCache{columns: make(map[string][]tengo.Object, len(columnNames))}
	for _, name := range columnNames {
		c.columns[name] = nil
	}
	return c
}

func (c *barCache) extend(w series.Window) {
	for i := len(c.bars); i < w.Len(); i++ {
		b := w.At(i)
		c.bars = append(c.bars, barObject(b))
		c.columns["open"] = append(c.columns["open"], &tengo.Float{Value: b.Open})
		c.columns["high"] = append(c.columns["high"], &tengo.Float{Value: b.High})
		c.columns["low"] = append(c.columns["low"], &tengo.Float{Value: b.Low})
		c.columns["close"] = append(c.columns["close"], &tengo.Float{Value: b.Close})
		c.columns["volume"] = append(c.columns["volume"], &tengo.Float{Value: b.Volume})
	}
}

// view returns the history object for the first n cached bars.
func (c *barCache) view(n int) *History {
	return &History{cache: c, n: n}
}

func barObject(b domain.Bar) tengo.Object {
	return &tengo.ImmutableMap{Value: map[string]tengo.Object{
		"time":   &tengo.Time{Value: b.Timestamp},
		"open":   &tengo.Float{Value: b.Open},
		"high":   &tengo.Float{Value: b.High},
		"low":    &tengo.Float{Value: b.Low},
		"close":  &tengo.Float{Value: b.Close},
		"volume": &tengo.Float{Value: b.Volume},
	}}
}

// History is the script-side view of the bars visible at one decision point.
// history[i] yields a bar map, history.len the bar count and history.close
// (or open, high, low, volume) an immutable array of that column.
type History struct {
	tengo.ObjectImpl
	cache *barCache
	n     int
}

// TypeName returns the name of the type.
func (h *History) TypeName() string { return "history" }

func (h *History) String() string { return fmt.Sprintf("<history len=%d>", h.n) }

// Copy returns h; the view is immutable.
func (h *History) Copy() tengo.Object { return h }

// IsFalsy returns true when no bars are visible.
func (h *History) IsFalsy() bool { return h.n == 0 }

// Equals reports whether x is the same view.
func (h *History) Equals(x tengo.Object) bool {
	o, ok := x.(*History)
	return ok && o.cache == h.cache && o.n == h.n
}

// IndexGet returns a bar for an int index (negative counts back from the
// current bar) or a column or the length for a string key. Anything out of
// range yields undefined.
func (h *History) IndexGet(index tengo.Object) (tengo.Object, error) {
	switch key := index.(type) {
	case *tengo.Int:
		i := int(key.Value)
		if i < 0 {
			i += h.n
		}
		if i < 0 || i >= h.n {
			return tengo.UndefinedValue, nil
		}
		return h.cache.bars[i], nil
	case *tengo.String:
		if key.Value == "len" {
			return &tengo.Int{Value: int64(h.n)}, nil
		}
		col, ok := h.cache.columns[key.Value]
		if !ok {
			return tengo.UndefinedValue, nil
		}
		return &tengo.ImmutableArray{Value: col[:h.n:h.n]}, nil
	}
	return nil, tengo.ErrInvalidIndexType
}

// CanIterate returns true.
func (h *History) CanIterate() bool { return true }

// Iterate walks the visible bars in order.
func (h *History) Iterate() tengo.Iterator {
	return (&tengo.ImmutableArray{Value: h.cache.bars[:h.n:h.n]}).Iterate()
}
