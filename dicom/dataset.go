// Package dicom implements the attribute/value model and wire codec the
// bridge needs: implicit and explicit VR little endian datasets, with
// enough sequence support for Modality Worklist identifiers and
// responses.
package dicom

import (
	"fmt"
	"sort"
	"strings"
)

// VR (Value Representation) constants
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SQ = "SQ" // Sequence of Items
	VR_ST = "ST" // Short Text
	VR_TM = "TM" // Time
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
)

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Less orders tags by group, then element, the order DICOM requires on
// the wire.
func (t Tag) Less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// Element represents a DICOM data element. Value is a string for text
// VRs, []byte for binary VRs, or []*Dataset for SQ.
type Element struct {
	Tag   Tag
	VR    string
	Value interface{}
}

// Dataset represents an ordered collection of DICOM elements.
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{Elements: make(map[Tag]*Element)}
}

// AddElement adds an element to the dataset, replacing any existing
// element with the same tag.
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// AddString adds a text element, looking the VR up in the dictionary.
func (d *Dataset) AddString(tag Tag, value string) {
	d.AddElement(tag, VRFor(tag), value)
}

// AddSequence adds an SQ element with the given items.
func (d *Dataset) AddSequence(tag Tag, items ...*Dataset) {
	d.AddElement(tag, VR_SQ, items)
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// Has reports whether the dataset carries the tag, even with an empty
// value (a C-FIND return key).
func (d *Dataset) Has(tag Tag) bool {
	_, ok := d.Elements[tag]
	return ok
}

// GetString returns the trimmed string value for a tag, or "".
func (d *Dataset) GetString(tag Tag) string {
	if element, exists := d.Elements[tag]; exists {
		if str, ok := element.Value.(string); ok {
			return strings.TrimSpace(str)
		}
	}
	return ""
}

// GetSequence returns the items of an SQ element, or nil.
func (d *Dataset) GetSequence(tag Tag) []*Dataset {
	if element, exists := d.Elements[tag]; exists {
		if items, ok := element.Value.([]*Dataset); ok {
			return items
		}
	}
	return nil
}

// GetBytes returns the raw value of a binary element, or nil.
func (d *Dataset) GetBytes(tag Tag) []byte {
	if element, exists := d.Elements[tag]; exists {
		if b, ok := element.Value.([]byte); ok {
			return b
		}
	}
	return nil
}

// SortedTags returns the dataset's tags in wire order.
func (d *Dataset) SortedTags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Less(tags[j]) })
	return tags
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	return len(d.Elements)
}
