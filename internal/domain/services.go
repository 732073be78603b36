package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ServiceStatus string

const (
	ServiceStatusInactive     ServiceStatus = "INACTIVE"
	ServiceStatusActive       ServiceStatus = "ACTIVE"
	ServiceStatusFailed       ServiceStatus = "FAILED"
	ServiceStatusShuttingDown ServiceStatus = "SHUTTING_DOWN"
)

// ServiceCommand is operator-issued intent. The dispatcher clears it back to
// NONE whenever it acts on one.
type ServiceCommand string

const (
	ServiceCommandNone    ServiceCommand = "NONE"
	ServiceCommandStart   ServiceCommand = "START"
	ServiceCommandStop    ServiceCommand = "STOP"
	ServiceCommandRestart ServiceCommand = "RESTART"
)

type ServiceType string

const (
	ServiceTypeWatchDog         ServiceType = "WATCH_DOG"
	ServiceTypeCleanup          ServiceType = "CLEAN_UP"
	ServiceTypeMetricsCollector ServiceType = "METRICS_COLLECTOR"
)

// ServiceTypes lists every service type the dispatcher may encounter.
func ServiceTypes() []ServiceType {
	return []ServiceType{
		ServiceTypeWatchDog,
		ServiceTypeCleanup,
		ServiceTypeMetricsCollector,
	}
}

/*
Service is one persisted long-running activity.

Rows are seeded at boot and persist forever; the dispatcher mutates status,
command, started_at, last_heartbeat_at and error. A row is runnable when
status is INACTIVE or FAILED and command is START; stoppable when status is
ACTIVE and command is STOP. last_heartbeat_at only moves forward while the
service is ACTIVE, and the liveness monitor fails any ACTIVE row whose
heartbeat is older than three intervals.
*/
type Service struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ServiceType     ServiceType    `gorm:"column:service_type;not null;uniqueIndex:uq_services_service_type;index:idx_services_type_status" json:"service_type"`
	Status          ServiceStatus  `gorm:"column:status;not null;index:idx_services_type_status,priority:2;index:idx_services_heartbeat,priority:1" json:"status"`
	Parameters      datatypes.JSON `gorm:"column:parameters" json:"parameters"`
	Command         ServiceCommand `gorm:"column:command;not null;index:idx_services_command" json:"command"`
	CommandIssuedAt *time.Time     `gorm:"column:command_issued_at" json:"command_issued_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
	StartedAt       *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	LastHeartbeatAt *time.Time     `gorm:"column:last_heartbeat_at;index:idx_services_heartbeat,priority:2" json:"last_heartbeat_at,omitempty"`
	Error           string         `gorm:"column:error" json:"error,omitempty"`
}

func (Service) TableName() string { return "services" }
