package canvas

import (
	"strings"
	"time"
)

const globalStateID = 1

// User holds a painter's credit balance and the counters the pricing and undo rules depend on.
type User struct {
	ID                     int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Username               string `gorm:"column:username;size:64;not null;uniqueIndex"`
	Credits                int64  `gorm:"column:credits;not null;default:0"`
	LifetimePaidPlacements int64  `gorm:"column:lifetime_paid_placements;not null;default:0"`
	UndosThisWeek          int64  `gorm:"column:undos_this_week;not null;default:0"`
	UndoEscalationBase     int64  `gorm:"column:undo_escalation_base;not null;default:0"`
	AdViolations           int64  `gorm:"column:ad_violations;not null;default:0"`
	LastRewardMonth        *int64 `gorm:"column:last_reward_month"`
	CreatedAtSeconds       int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Pixel is the current state of one board coordinate.
type Pixel struct {
	X                int    `gorm:"column:x;primaryKey;autoIncrement:false"`
	Y                int    `gorm:"column:y;primaryKey;autoIncrement:false"`
	Color            string `gorm:"column:color;size:7;not null"`
	OwnerID          *int64 `gorm:"column:owner_id;index"`
	CostLevel        int64  `gorm:"column:cost_level;not null"`
	IsAd             bool   `gorm:"column:is_ad;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Pixel) TableName() string {
	return "pixels"
}

// Placement is an append-only log entry. Only Undoable changes after insert.
type Placement struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          int64  `gorm:"column:user_id;not null;index:idx_placements_user_time,priority:1"`
	X               int    `gorm:"column:x;not null;index:idx_placements_coordinate,priority:1"`
	Y               int    `gorm:"column:y;not null;index:idx_placements_coordinate,priority:2"`
	Color           string `gorm:"column:color;size:7;not null"`
	Cost            int64  `gorm:"column:cost;not null"`
	WasFree         bool   `gorm:"column:was_free;not null"`
	IsAd            bool   `gorm:"column:is_ad;not null"`
	PlacedAtSeconds int64  `gorm:"column:placed_at_s;not null;index;index:idx_placements_user_time,priority:2"`
	PrevColor       string `gorm:"column:prev_color;size:7;not null"`
	PrevOwnerID     *int64 `gorm:"column:prev_owner_id"`
	PrevIsAd        bool   `gorm:"column:prev_is_ad;not null"`
	Undoable        bool   `gorm:"column:undoable;not null;index:idx_placements_coordinate,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Placement) TableName() string {
	return "placements"
}

// PlacementUndo records the charge taken for reversing a placement.
type PlacementUndo struct {
	ID              int64 `gorm:"column:id;primaryKey;autoIncrement"`
	PlacementID     int64 `gorm:"column:placement_id;not null;uniqueIndex"`
	UserID          int64 `gorm:"column:user_id;not null;index"`
	Cost            int64 `gorm:"column:cost;not null"`
	UndoneAtSeconds int64 `gorm:"column:undone_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PlacementUndo) TableName() string {
	return "placement_undos"
}

// GlobalState is the single row holding the weekly economy state.
type GlobalState struct {
	ID                   int64 `gorm:"column:id;primaryKey;autoIncrement:false"`
	WeekStartSeconds     int64 `gorm:"column:week_start_s;not null"`
	LastPlacementSeconds int64 `gorm:"column:last_placement_s;not null"`
	PriceCap             int64 `gorm:"column:price_cap;not null"`
	BoardFrozen          bool  `gorm:"column:board_frozen;not null"`
	PixelsAtCap          int64 `gorm:"column:pixels_at_cap;not null"`
	WeekPlacements       int64 `gorm:"column:week_placements;not null"`
	Version              int64 `gorm:"column:version;not null"`
	UpdatedAtSeconds     int64 `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GlobalState) TableName() string {
	return "global_state"
}

// WeekStart returns the start of the active week.
func (state GlobalState) WeekStart() time.Time {
	return time.Unix(state.WeekStartSeconds, 0).UTC()
}

// LastPlacementAt returns the time of the most recent placement.
func (state GlobalState) LastPlacementAt() time.Time {
	return time.Unix(state.LastPlacementSeconds, 0).UTC()
}

// Report is an abuse report against a coordinate. Reports are never deleted.
type Report struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ReporterID       int64  `gorm:"column:reporter_id;not null;index"`
	X                int    `gorm:"column:x;not null"`
	Y                int    `gorm:"column:y;not null"`
	Reason           string `gorm:"column:reason;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Report) TableName() string {
	return "reports"
}

// Archive is the immutable board snapshot captured when a week closes.
type Archive struct {
	ID                string `gorm:"column:id;primaryKey;size:64"`
	WeekStartSeconds  int64  `gorm:"column:week_start_s;not null;uniqueIndex"`
	WeekEndSeconds    int64  `gorm:"column:week_end_s;not null"`
	SnapshotJSON      string `gorm:"column:snapshot_json;type:text;not null"`
	TotalPlacements   int64  `gorm:"column:total_placements;not null"`
	Contributors      int64  `gorm:"column:contributors;not null"`
	ArchivedAtSeconds int64  `gorm:"column:archived_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Archive) TableName() string {
	return "archives"
}

// WeekStart returns the first instant covered by the archive.
func (archive Archive) WeekStart() time.Time {
	return time.Unix(archive.WeekStartSeconds, 0).UTC()
}

// ArchivedPixel is one entry of an archive snapshot.
type ArchivedPixel struct {
	X       int    `json:"x" yaml:"x"`
	Y       int    `json:"y" yaml:"y"`
	Color   string `json:"color" yaml:"color"`
	OwnerID *int64 `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	IsAd    bool   `json:"is_ad" yaml:"is_ad"`
}

// Vote is a user's single monthly vote for an archive.
type Vote struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID           int64  `gorm:"column:user_id;not null;uniqueIndex:idx_votes_user_period,priority:1"`
	ArchiveID        string `gorm:"column:archive_id;size:64;not null;index"`
	Year             int    `gorm:"column:year;not null;uniqueIndex:idx_votes_user_period,priority:2"`
	Month            int    `gorm:"column:month;not null;uniqueIndex:idx_votes_user_period,priority:3"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// Models lists every persisted canvas model for schema migration.
func Models() []any {
	return []any{
		&User{},
		&Pixel{},
		&Placement{},
		&PlacementUndo{},
		&GlobalState{},
		&Report{},
		&Archive{},
		&Vote{},
	}
}

func normalizeColor(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

func monthIndex(year int, month time.Month) int64 {
	return int64(year)*12 + int64(month) - 1
}
