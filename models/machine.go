package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTrafficWeight is assigned to machines registered without an
// explicit weight. It corresponds to 50% of the routing traffic share.
const DefaultTrafficWeight = 0.5

// Machine is a registered inference worker. NetworkIP is unique among
// live rows and the primary handle used by the fleet admin API; ID is
// immutable and joins the machine to liveness records, gateway
// deployments and machine tokens.
type Machine struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	NetworkIP       string     `gorm:"uniqueIndex" json:"network_ip"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	TrafficWeight   float64    `gorm:"default:0.5" json:"traffic_weight"`
	SupportedModels StringList `gorm:"type:text" json:"supported_models"`
	Disabled        bool       `json:"disabled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ServesModel reports whether the machine serves the given model. A nil
// SupportedModels list means the machine serves every supported model.
func (m *Machine) ServesModel(model string) bool {
	if m.SupportedModels == nil {
		return true
	}
	for _, name := range m.SupportedModels {
		if name == model {
			return true
		}
	}
	return false
}

// StringList stores a list of model names as a JSON text column. A nil
// list round-trips as SQL NULL, which the fleet treats as "all models".
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type %T for StringList", value)
	}
}

// MachineToken authenticates heartbeat and lifecycle calls for a single
// machine. Tokens are tombstoned through DeletedAt rather than removed
// so that past authentications stay auditable.
type MachineToken struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	MachineID   uint       `gorm:"index" json:"machine_id"`
	APIToken    string     `gorm:"index" json:"api_token"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// APIToken is a long-lived client credential issued to a subject.
type APIToken struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	SubjectID   string     `gorm:"index" json:"subject_id"`
	Token       string     `gorm:"index" json:"token"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// MachineInfo is the selector's view of an online machine.
type MachineInfo struct {
	ID        uint   `json:"id"`
	NetworkIP string `json:"network_ip"`
}
