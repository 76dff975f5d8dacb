package billing

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Details holds the free-form diagnostic payload of a WebhookAnomaly
type Details map[string]interface{}

func (d *Details) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("Failed to unmarshal jsonb value: %s", value)
	}
	if bytes == nil {
		*d = make(Details)
		return nil
	}
	return json.Unmarshal(bytes, &d)
}

func (d Details) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (Details) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}
