package updates

// Record is one persisted update in the per-user log.
type Record struct {
	UpdateID        string `gorm:"column:update_id;primaryKey;size:64;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_updates_user_time,priority:1;index:idx_updates_user_key,priority:1"`
	Type            Type   `gorm:"column:type;not null"`
	DedupKey        string `gorm:"column:dedup_key;size:255;not null;default:'';index:idx_updates_user_key,priority:2"`
	Content         string `gorm:"column:content;type:text;not null"`
	TimeMillis      int64  `gorm:"column:time_ms;not null;index:idx_updates_user_time,priority:2"`
	ExcludedSession string `gorm:"column:excluded_session;size:190;not null;default:''"`
	TargetSession   string `gorm:"column:target_session;size:190;not null;default:''"`
	TargetDevice    string `gorm:"column:target_device;size:512;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "updates"
}
