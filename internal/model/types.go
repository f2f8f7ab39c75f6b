package model

type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

type User struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	Name      string `json:"name"`
	Deleted   bool   `json:"deleted,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Instance is a local deployment registered to an account. At most one
// non-deleted instance per account has Primary set.
type Instance struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	Name      string `json:"name"`
	Primary   bool   `json:"primary"`
	Deleted   bool   `json:"deleted,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// APIKey maps the digest of a caller-held key to a user. The key itself is
// never stored.
type APIKey struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}
