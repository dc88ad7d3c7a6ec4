package scpdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Entry is one item as published upstream, either in the index or in a
// content file. Pointer and list fields stay nil when the key is absent so
// the merger can tell "missing" from "empty".
type Entry struct {
	Link        *string        `json:"link"`
	SCP         *string        `json:"scp"`
	SCPNumber   *FlexString    `json:"scp_number"`
	Title       *string        `json:"title"`
	Series      *string        `json:"series"`
	Tags        StringList     `json:"tags"`
	Rating      *float64       `json:"rating"`
	CreatedAt   *string        `json:"created_at"`
	Creator     *string        `json:"creator"`
	URL         *string        `json:"url"`
	Domain      *string        `json:"domain"`
	PageID      *FlexString    `json:"page_id"`
	RawSource   *string        `json:"raw_source"`
	RawContent  *string        `json:"raw_content"`
	Images      StringList     `json:"images"`
	Hubs        StringList     `json:"hubs"`
	References  StringList     `json:"references"`
	History     []HistoryEntry `json:"history"`
	ContentFile *string        `json:"content_file"`
}

// HistoryEntry is one revision of the wiki page
type HistoryEntry struct {
	Author  *string `json:"author"`
	Date    *string `json:"date"`
	Comment *string `json:"comment"`
}

// Record is an index entry together with the key it was published under
type Record struct {
	Key   string
	Entry *Entry
}

// Manifest is the parsed index of one upstream snapshot
type Manifest struct {
	Commit  string
	Records []Record
}

// FlexString accepts a JSON string or number
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

func (f *FlexString) String() string {
	if f == nil {
		return ""
	}
	return string(*f)
}

// StringList accepts a list of strings or a single whitespace separated string
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = append(StringList{}, strings.Fields(s)...)
		return nil
	}

	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("string list: %w", err)
	}
	if items == nil {
		items = []string{}
	}
	*l = items
	return nil
}
