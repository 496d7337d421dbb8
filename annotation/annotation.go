// Package annotation loads a RepeatMasker-style transposable element
// annotation from a BED file and serves per-reference overlap queries
// against it.  Feature names are interned into dense ids so the rest of
// the pipeline can treat subfamilies as opaque integers.
package annotation

import (
	"strconv"
	"strings"
)

// FeatureID identifies one TE subfamily.  IDs are dense and assigned in
// first-seen BED order; output indexes are derived from them by the
// matrix writer.
type FeatureID uint32

// Feature is one interned TE subfamily.
type Feature struct {
	// Name is the subfamily name as written to features.tsv.  Distinct
	// annotation entries whose bare subfamily names collide get a
	// numeric suffix, so Name is unique across the DB.
	Name string
	// Family is the family/class label, the text after '~' in the BED
	// name column.  Equal to Name when the BED carries no family.
	Family string
}

// DB interns feature names and resolves ids back to their labels.
type DB struct {
	features  []Feature
	byName    map[string]FeatureID
	collision map[string]int
}

// NewDB returns an empty feature table.
func NewDB() *DB {
	return &DB{
		byName:    make(map[string]FeatureID),
		collision: make(map[string]int),
	}
}

// Intern returns the id of the BED name column value, creating a new
// feature on first sight.
func (d *DB) Intern(name string) FeatureID {
	if id, ok := d.byName[name]; ok {
		return id
	}
	sub, family := splitName(name)
	if n, ok := d.collision[sub]; ok {
		d.collision[sub] = n + 1
		sub += strconv.Itoa(n + 1)
	} else {
		d.collision[sub] = 0
	}
	id := FeatureID(len(d.features))
	d.features = append(d.features, Feature{Name: sub, Family: family})
	d.byName[name] = id
	return id
}

// Feature resolves an interned id.
func (d *DB) Feature(id FeatureID) Feature { return d.features[id] }

// Features returns the interned table in id order.  The caller must not
// modify it.
func (d *DB) Features() []Feature { return d.features }

// Len returns the number of interned features.
func (d *DB) Len() int { return len(d.features) }

// splitName separates the subfamily from the family/class label.  The
// annotation convention concatenates them as "subfamily~family/class".
func splitName(name string) (subfamily, family string) {
	if i := strings.IndexByte(name, '~'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, name
}
