package common

// SessionCookieName is the cookie carrying the signed session token.
const SessionCookieName = "expanse_session"

// Item categories as stored and as sent by the web client.
const (
	CategorySaved     = "saved"
	CategoryCreated   = "created"
	CategoryUpvoted   = "upvoted"
	CategoryDownvoted = "downvoted"
	CategoryHidden    = "hidden"
)

// Category aliases accepted from the web client. Each narrows
// CategoryCreated to one item type.
const (
	CategoryPosts    = "posts"
	CategoryComments = "comments"
)

// Item types.
const (
	TypePost    = "post"
	TypeComment = "comment"
)

// Categories lists every category in the order the refresh cycle syncs them.
var Categories = []string{CategorySaved, CategoryCreated, CategoryUpvoted, CategoryDownvoted, CategoryHidden}

// ValidCategory reports whether c is a known item category.
func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// ResolveCategory maps a client category to the stored category. For an
// alias it also returns the item type the alias implies.
func ResolveCategory(c string) (category, itemType string, ok bool) {
	switch c {
	case CategoryPosts:
		return CategoryCreated, TypePost, true
	case CategoryComments:
		return CategoryCreated, TypeComment, true
	}
	return c, "", ValidCategory(c)
}
