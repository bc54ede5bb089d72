package types

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100

	DeviceNameMaxLength = 128

	APIKeyHdrName = "x-api-key"
)

// Device is the durable record of a messaging identity. Ready and PairingPayload are only
// written by the session manager in reaction to engine events.
type Device struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36" dynamodbav:"id"`
	Name           string    `json:"name" gorm:"index;not null" dynamodbav:"name"`
	Ready          bool      `json:"ready" gorm:"index;not null;default:false" dynamodbav:"ready"`
	PairingPayload *string   `json:"pairing_code,omitempty" gorm:"column:pairing_code" dynamodbav:"pairing_code,omitempty"`
	CreatedAt      time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// DeviceUpdate carries the fields the session manager mutates. Nil means "leave as is";
// a pointer to "" clears the pairing payload.
type DeviceUpdate struct {
	Ready          *bool
	PairingPayload *string
}

// DeviceFilter selects a page of devices. Name matches as a substring; Ready is optional.
type DeviceFilter struct {
	Page     int
	PageSize int
	Name     string
	Ready    *bool
}

// DevicePage is the paged listing shape returned to operators.
type DevicePage struct {
	Data       []Device `json:"data"`
	Total      int64    `json:"total"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	TotalPages int      `json:"totalPages"`
}

// Normalize applies defaults and clamps the page size.
func (f DeviceFilter) Normalize() DeviceFilter {
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	f.Name = strings.TrimSpace(f.Name)
	return f
}

// Offset is the number of records skipped before this page.
func (f DeviceFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Matches reports whether d passes the filter. Used by backends without server-side filtering.
func (f DeviceFilter) Matches(d Device) bool {
	if f.Name != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(f.Name)) {
		return false
	}
	if f.Ready != nil && d.Ready != *f.Ready {
		return false
	}
	return true
}

// NewDevicePage builds the page envelope; totalPages is ceil(total/limit).
func NewDevicePage(data []Device, total int64, f DeviceFilter) DevicePage {
	if data == nil {
		data = []Device{}
	}
	pages := 0
	if f.PageSize > 0 {
		pages = int((total + int64(f.PageSize) - 1) / int64(f.PageSize))
	}
	return DevicePage{
		Data:       data,
		Total:      total,
		Page:       f.Page,
		Limit:      f.PageSize,
		TotalPages: pages,
	}
}

func ValidateDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > DeviceNameMaxLength {
		return fmt.Errorf("name must be at most %d characters", DeviceNameMaxLength)
	}
	return nil
}

// Bool and String are small helpers for building DeviceUpdate values.
func Bool(b bool) *bool       { return &b }
func String(s string) *string { return &s }

// DeviceStatus is a device record with the state of its live connection attached.
type DeviceStatus struct {
	Device
	State string `json:"state"`
}

type DeviceStatusPage struct {
	Data       []DeviceStatus `json:"data"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int            `json:"totalPages"`
}
