package domain

// ReferralRecord is a listing candidate as read from the user store.
type ReferralRecord struct {
	User            User
	Depth           int
	DirectReferrals int
}

// ReferralView is one listing row after redaction.
type ReferralView struct {
	ProfileView
	Depth           int `json:"depth"`
	DirectReferrals int `json:"directReferrals"`
}

// ReferralPage is the stable listing envelope shared by every scope.
type ReferralPage struct {
	Data       []ReferralView `json:"data"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int            `json:"totalPages"`
	HasNext    bool           `json:"hasNext"`
	HasPrev    bool           `json:"hasPrev"`
}

// NewReferralPage derives page metadata from the filtered total.
func NewReferralPage(data []ReferralView, total, page, limit int) ReferralPage {
	if data == nil {
		data = []ReferralView{}
	}
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return ReferralPage{
		Data:       data,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

// EmptyReferralPage is returned when the viewer may not see the target's tree.
func EmptyReferralPage(page, limit int) ReferralPage {
	return NewReferralPage(nil, 0, page, limit)
}
