package models

// Item is one saved/created/voted/hidden post or comment of an identity.
type Item struct {
	Username     string `json:"-" msgpack:"username"`
	ID           string `json:"id" msgpack:"id"`
	Category     string `json:"category" msgpack:"category"`
	Type         string `json:"type" msgpack:"type"`
	Content      string `json:"content" msgpack:"content"`
	Author       string `json:"author" msgpack:"author"`
	Sub          string `json:"sub" msgpack:"sub"`
	URL          string `json:"url" msgpack:"url"`
	CreatedEpoch int64  `json:"created_epoch" msgpack:"created_epoch"`
}

// Filter narrows item queries. Empty Type/Sub or the value "all" match
// everything; Search is a case-insensitive substring match on content.
type Filter struct {
	Category string `json:"category"`
	Type     string `json:"type"`
	Sub      string `json:"sub"`
	Search   string `json:"search"`
}

// Placeholder is the summary shown before a page of items is loaded.
type Placeholder struct {
	Total    int64 `json:"total"`
	Posts    int64 `json:"posts"`
	Comments int64 `json:"comments"`
}
