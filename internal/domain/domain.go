package domain

type Item struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Status             string   `json:"status" enum:"normal,borrowed,repairing,broken,lost,disposed"`
	Category           string   `json:"category,omitempty"`
	Quantity           *int     `json:"quantity,omitempty"`
	Value              *float64 `json:"value,omitempty"`
	PurchaseDate       string   `json:"purchase_date,omitempty" format:"date"`
	Description        string   `json:"description,omitempty"`
	Visibility         string   `json:"visibility" enum:"public,private"`
	ResponsibleMembers []string `json:"responsible_members,omitempty"`
	Locations          []string `json:"locations,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// IsPrivate reports whether mutations must be limited to responsible members.
func (i Item) IsPrivate() bool {
	return i.Visibility == "private"
}

type Location struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"normal,maintenance,closed"`
	ParentID    string `json:"parent_id,omitempty"`
	Parent      string `json:"parent,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Detail       string   `json:"detail,omitempty"`
	StartTime    string   `json:"start_time,omitempty" format:"date-time"`
	EndTime      string   `json:"end_time,omitempty" format:"date-time"`
	Visibility   string   `json:"visibility" enum:"public,private"`
	Participants []string `json:"participants,omitempty"`
	Items        []string `json:"items,omitempty"`
	Locations    []string `json:"locations,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

type Member struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	Contact   string `json:"contact,omitempty"`
	Status    string `json:"status" enum:"active,inactive"`
	Remarks   string `json:"remarks,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// LogEntry is one audit record written alongside a mutation.
type LogEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	ActionType string `json:"action_type"`
	Details    string `json:"details"`
	MemberID   string `json:"member_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
}

type Attachment struct {
	ID         string `json:"id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Filename   string `json:"filename"`
	Path       string `json:"path"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
