package deal

// Source tags the origin of a step's data
type Source string

const (
	SourceManual        Source = "manual"
	SourceProfile       Source = "profile"
	SourceTemplate      Source = "template"
	SourceCatalog       Source = "catalog"
	SourceBlueRoom      Source = "blue_room"
	SourceOrangeRoom    Source = "orange_room"
	SourceOCRSuggestion Source = "ocr_suggestion"
)

// Valid reports whether s is a known source
func (s Source) Valid() bool {
	_, ok := defaultRanks[s]
	return ok
}

// Automatic reports whether s is produced by a lookup rather than the user
func (s Source) Automatic() bool {
	return s.Valid() && s != SourceManual
}

// Supplier reports whether s derives from supplier data (catalog or a supplier room)
func (s Source) Supplier() bool {
	return s == SourceCatalog || s == SourceBlueRoom || s == SourceOrangeRoom
}

// RankManual is above every automatic rank
const RankManual = 100

var defaultRanks = map[Source]int{
	SourceManual:        RankManual,
	SourceCatalog:       60,
	SourceBlueRoom:      50,
	SourceOrangeRoom:    50,
	SourceTemplate:      40,
	SourceProfile:       30,
	SourceOCRSuggestion: 20,
}

// stepRanks overrides defaultRanks where a step has its own ordering.
// The saved company profile is the best automatic source for the company step.
var stepRanks = map[Step]map[Source]int{
	StepCompany: {
		SourceProfile:  70,
		SourceTemplate: 60,
		SourceCatalog:  30,
	},
}

// Rank returns the priority of source for step. Unknown sources rank 0.
func Rank(step Step, source Source) int {
	if r, ok := stepRanks[step][source]; ok {
		return r
	}
	return defaultRanks[source]
}
