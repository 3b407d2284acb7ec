package toolexecutor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BuiltinServer is the server name LocalService builtins are registered under.
const BuiltinServer = "builtin"

// Builtins returns the tools served by the builtin server. now is the clock
// used by clock_now.
func Builtins(now func() time.Time) []LocalTool {
	if now == nil {
		now = time.Now
	}

	return []LocalTool{
		{
			Name:        "clock_now",
			Description: "Return the current time in RFC 3339 format",
			Parameters: []ToolParameter{{
				Name:        "timezone",
				Type:        "string",
				Description: "IANA time zone name, e.g. Europe/Berlin. Defaults to UTC.",
			}},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				loc := time.UTC
				if name, _ := args["timezone"].(string); name != "" {
					l, err := time.LoadLocation(name)
					if err != nil {
						return "", fmt.Errorf("unknown timezone %q", name)
					}
					loc = l
				}
				return now().In(loc).Format(time.RFC3339), nil
			},
		},
		{
			Name:        "text_word_count",
			Description: "Count the words in a piece of text",
			Parameters: []ToolParameter{{
				Name:        "text",
				Type:        "string",
				Description: "Text to count",
				Required:    true,
			}},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				text, _ := args["text"].(string)
				return strconv.Itoa(len(strings.Fields(text))), nil
			},
		},
	}
}
