package engagement

import "time"

// State is one step of the fixed engagement lifecycle. Forward movement only
// follows the declared order; backward movement goes through Reopen.
type State string

const (
	StateDraft     State = "draft"
	StatePlanning  State = "planning"
	StateFieldwork State = "fieldwork"
	StateReview    State = "review"
	StateFinalized State = "finalized"
)

var stateOrder = []State{StateDraft, StatePlanning, StateFieldwork, StateReview, StateFinalized}

// States returns the lifecycle in order.
func States() []State {
	out := make([]State, len(stateOrder))
	copy(out, stateOrder)
	return out
}

// Index returns the state's position in the lifecycle, or -1 if unknown.
func (s State) Index() int {
	for i, st := range stateOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the immediate successor. Finalized has none.
func (s State) Next() (State, bool) {
	i := s.Index()
	if i < 0 || i == len(stateOrder)-1 {
		return "", false
	}
	return stateOrder[i+1], true
}

// ParseState validates a state name from the wire.
func ParseState(raw string) (State, bool) {
	s := State(raw)
	return s, s.Index() >= 0
}

type Engagement struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"clientId"`
	FiscalPeriodEnd time.Time `json:"fiscalPeriodEnd"`
	EngagementType  string    `json:"engagementType"`
	State           State     `json:"state"`
	TotalAssets     int64     `json:"totalAssets"`
	Revenue         int64     `json:"revenue"`
	CreatedByUserID string    `json:"createdByUserId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type CreateParams struct {
	ClientID        string
	FiscalPeriodEnd time.Time
	EngagementType  string
	TotalAssets     int64
	Revenue         int64
}

type ListFilters struct {
	ClientID string
	State    string
	Page     int
	PageSize int
}
