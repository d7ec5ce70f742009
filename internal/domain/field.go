package domain

// Field names a piece of registration data.
type Field string

const (
	FieldFirstName    Field = "first_name"
	FieldLastName     Field = "last_name"
	FieldFarmLocation Field = "farm_location"
	FieldPrimaryCrops Field = "primary_crops"
	FieldPhoneNumber  Field = "phone_number"
)

// RequiredFields is the fixed set collected by every registration, in priority order.
var RequiredFields = []Field{
	FieldFirstName,
	FieldLastName,
	FieldFarmLocation,
	FieldPrimaryCrops,
	FieldPhoneNumber,
}

// ParseField maps a wire name to a known field.
func ParseField(name string) (Field, bool) {
	for _, f := range RequiredFields {
		if string(f) == name {
			return f, true
		}
	}
	return "", false
}

// Mode is the classification the state machine assigns to a turn.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeUrgent   Mode = "URGENT"
	ModeOffTopic Mode = "OFF_TOPIC_REDIRECT"
	ModeComplete Mode = "COMPLETE"
)
