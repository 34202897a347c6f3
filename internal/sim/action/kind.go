package action

// Kind identifies a registered action. The set is closed: every value below
// KindCount has exactly one Definition and one Handler.
type Kind uint8

const (
	KindBuildTrack Kind = iota
	KindRemoveTrack
	KindClearTile
	KindClearArea
	KindPlantTree
	KindPlaceSign
	KindRenameCompany
	KindGiveMoney
	KindIncreaseLoan
	KindDecreaseLoan
	KindCompanyCtrl
	KindPause
	KindMoneyCheat
	KindSurveyTile

	KindCount
)

// Caps are the immutable capability flags of a kind.
type Caps uint16

const (
	CapServer      Caps = 1 << iota // only the server connection may issue it
	CapOffline                      // refused while networked
	CapNoSpectator                  // acting participant must control a company
	CapNoTest                       // trial and commit may legitimately disagree
	CapAllTiles                     // void tiles are legal targets
	CapNoWater                      // water tiles are never legal targets
	CapAuto                         // handler may clear obstacles on its own
	CapClientID                     // P2 carries the issuing client id
)

func (c Caps) Has(f Caps) bool { return c&f == f }

// DoFlags derives the per-call flags a kind always runs with.
func (c Caps) DoFlags() DoFlag {
	var f DoFlag
	if c.Has(CapAuto) {
		f |= DoAuto
	}
	if c.Has(CapNoWater) {
		f |= DoNoWater
	}
	if c.Has(CapAllTiles) {
		f |= DoAllTiles
	}
	return f
}

// DoFlag selects how a single run of a handler behaves.
type DoFlag uint16

const (
	DoExec      DoFlag = 1 << iota // commit; without it the run is a trial
	DoQueryCost                    // skip the funds check
	DoBankrupt                     // skip the funds check and the settlement
	DoAuto
	DoNoWater
	DoAllTiles
)

func (f DoFlag) Has(x DoFlag) bool { return f&x != 0 }

type Category uint8

const (
	CategoryLandscape Category = iota
	CategoryConstruction
	CategoryMoney
	CategoryCompany
	CategoryOther
	CategoryServerSetting
	CategoryCheat
)

// PauseLevel is the configured tolerance for actions while paused. Higher
// levels let more categories through.
type PauseLevel uint8

const (
	PauseLevelNoActions PauseLevel = iota
	PauseLevelNoConstruction
	PauseLevelNoLandscaping
	PauseLevelAllActions
)

var pauseLevelNames = map[string]PauseLevel{
	"no_actions":      PauseLevelNoActions,
	"no_construction": PauseLevelNoConstruction,
	"no_landscaping":  PauseLevelNoLandscaping,
	"all_actions":     PauseLevelAllActions,
}

// ParsePauseLevel maps a configuration name to a PauseLevel.
func ParsePauseLevel(s string) (PauseLevel, bool) {
	l, ok := pauseLevelNames[s]
	return l, ok
}

var categoryPauseLevel = [...]PauseLevel{
	CategoryLandscape:     PauseLevelAllActions,
	CategoryConstruction:  PauseLevelNoLandscaping,
	CategoryMoney:         PauseLevelNoLandscaping,
	CategoryCompany:       PauseLevelNoConstruction,
	CategoryOther:         PauseLevelNoConstruction,
	CategoryServerSetting: PauseLevelNoActions,
	CategoryCheat:         PauseLevelNoActions,
}

// Access tells whether a handler may mutate the world at all.
type Access uint8

const (
	AccessMutate Access = iota
	AccessRead
)

// Definition is the fixed description of a kind.
type Definition struct {
	Name     string
	Caps     Caps
	Category Category
	Access   Access
}

// AllowedWhilePaused reports whether the kind may run at the given pause level.
func (d Definition) AllowedWhilePaused(level PauseLevel) bool {
	return categoryPauseLevel[d.Category] <= level
}

// ExecAsSpectator reports whether the kind always runs without a company.
func (d Definition) ExecAsSpectator() bool {
	return d.Caps&(CapServer|CapClientID) != 0
}

var definitions = [KindCount]Definition{
	KindBuildTrack:    {Name: "build_track", Caps: CapNoSpectator | CapNoWater | CapAuto, Category: CategoryConstruction},
	KindRemoveTrack:   {Name: "remove_track", Caps: CapNoSpectator, Category: CategoryConstruction},
	KindClearTile:     {Name: "clear_tile", Caps: CapNoSpectator, Category: CategoryLandscape},
	KindClearArea:     {Name: "clear_area", Caps: CapNoSpectator | CapNoTest, Category: CategoryLandscape},
	KindPlantTree:     {Name: "plant_tree", Caps: CapNoSpectator | CapNoWater | CapAuto, Category: CategoryLandscape},
	KindPlaceSign:     {Name: "place_sign", Category: CategoryOther},
	KindRenameCompany: {Name: "rename_company", Caps: CapNoSpectator, Category: CategoryCompany},
	KindGiveMoney:     {Name: "give_money", Caps: CapNoSpectator, Category: CategoryMoney},
	KindIncreaseLoan:  {Name: "increase_loan", Caps: CapNoSpectator, Category: CategoryMoney},
	KindDecreaseLoan:  {Name: "decrease_loan", Caps: CapNoSpectator, Category: CategoryMoney},
	KindCompanyCtrl:   {Name: "company_ctrl", Caps: CapClientID, Category: CategoryServerSetting},
	KindPause:         {Name: "pause", Caps: CapServer, Category: CategoryServerSetting},
	KindMoneyCheat:    {Name: "money_cheat", Caps: CapOffline | CapNoSpectator, Category: CategoryCheat},
	KindSurveyTile:    {Name: "survey_tile", Caps: CapAllTiles, Category: CategoryOther, Access: AccessRead},
}

// Lookup returns the definition of k.
func Lookup(k Kind) (Definition, bool) {
	if k >= KindCount {
		return Definition{}, false
	}
	return definitions[k], true
}

func (k Kind) String() string {
	if d, ok := Lookup(k); ok {
		return d.Name
	}
	return "unknown"
}

// KindByName is the inverse of Kind.String.
func KindByName(name string) (Kind, bool) {
	for k := Kind(0); k < KindCount; k++ {
		if definitions[k].Name == name {
			return k, true
		}
	}
	return 0, false
}
