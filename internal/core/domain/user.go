package domain

type UserID string

type TrackedUser struct {
	UserID         UserID   `json:"userId"`
	Position       Position `json:"position"`
	IsAvailable    bool     `json:"isAvailable"`
	ProximityRange float64  `json:"proximityRange"`
}

type NearbyUser struct {
	UserID   UserID   `json:"userId"`
	Position Position `json:"position"`
	Distance float64  `json:"distance"`
}
