// Package access is the single capability check used by every component:
// (actor, action, resource) -> allowed. Webhooks are trusted by signature and
// never go through here.
package access

import (
	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
)

type Action string

const (
	ManagePayoutAccount Action = "payout_account.manage"
	CancelPledge        Action = "pledge.cancel"
	AcceptDonations     Action = "donations.accept"
)

type Resource struct {
	OwnerID       string
	UserID        string
	AccountStatus model.AccountStatus
}

type Checker struct {
	staff map[string]struct{}
}

func NewChecker(staffIDs []string) *Checker {
	staff := make(map[string]struct{}, len(staffIDs))
	for _, id := range staffIDs {
		staff[id] = struct{}{}
	}
	return &Checker{staff: staff}
}

func (c *Checker) IsStaff(actor string) bool {
	_, ok := c.staff[actor]
	return actor != "" && ok
}

func (c *Checker) Allowed(actor string, action Action, res Resource) bool {
	switch action {
	case AcceptDonations:
		// readiness of the receiving account, whoever pays
		return res.OwnerID != "" && res.AccountStatus == model.AccountStatusActive
	case ManagePayoutAccount:
		return actor != "" && (actor == res.OwnerID || c.IsStaff(actor))
	case CancelPledge:
		return actor != "" && (actor == res.UserID || actor == res.OwnerID || c.IsStaff(actor))
	default:
		return false
	}
}

// Require is Allowed turned into the matching taxonomy error.
func (c *Checker) Require(actor string, action Action, res Resource) error {
	if c.Allowed(actor, action, res) {
		return nil
	}
	if action == AcceptDonations {
		return apperror.AccountNotReady(res.OwnerID)
	}
	return apperror.Authorization("%q may not %s", actor, action)
}
