package runner

import "time"

// Profile captures the runner data the payout engine needs: identity plus
// the bank destination an EFT instruction is addressed to.
type Profile struct {
	ID          string
	UserID      string
	FullName    string
	BankAccount string
	BankName    string
	BranchCode  string
	Verified    bool
	CreatedAt   time.Time
}

// Destination is the payout target extracted from a profile.
type Destination struct {
	AccountNumber string
	AccountName   string
	BranchCode    string
}

// HasDestination reports whether the profile can receive an EFT payout.
func (p Profile) HasDestination() bool {
	return p.BankAccount != "" && p.FullName != ""
}

// Destination builds the payout target. Call HasDestination first.
func (p Profile) Destination() Destination {
	return Destination{
		AccountNumber: p.BankAccount,
		AccountName:   p.FullName,
		BranchCode:    p.BranchCode,
	}
}
