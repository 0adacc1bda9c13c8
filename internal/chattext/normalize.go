// Package chattext normalizes chat-platform markup out of inbound
// question text.
package chattext

import (
	"regexp"
	"strings"
)

var (
	// mentionRegex matches user mentions like <@U123ABC> or <@U123|name>
	mentionRegex = regexp.MustCompile(`<@[A-Z0-9]+(?:\|[^>]*)?>`)

	// channelRegex matches channel references like <#C123ABC|general>
	channelRegex = regexp.MustCompile(`<#[A-Z0-9]+(?:\|([^>]*))?>`)

	// linkRegex matches link markup like <http://example.com|label>
	linkRegex = regexp.MustCompile(`<(https?://[^|>]+)(?:\|([^>]*))?>`)

	// broadcastRegex matches special mentions like <!here> and <!channel>
	broadcastRegex = regexp.MustCompile(`<![a-z]+(?:\|[^>]*)?>`)

	// spaceRegex collapses runs of whitespace left behind by removal
	spaceRegex = regexp.MustCompile(`\s+`)
)

// StripMentions removes user and broadcast mentions from text. The bot's
// own mention arrives as part of every channel question.
func StripMentions(text string) string {
	text = mentionRegex.ReplaceAllString(text, "")
	return broadcastRegex.ReplaceAllString(text, "")
}

// ExpandChannels replaces channel references with their plain names.
func ExpandChannels(text string) string {
	return channelRegex.ReplaceAllStringFunc(text, func(m string) string {
		parts := channelRegex.FindStringSubmatch(m)
		if len(parts) > 1 && parts[1] != "" {
			return "#" + parts[1]
		}
		return ""
	})
}

// ExpandLinks replaces link markup with the label when one is present,
// otherwise the raw URL. Questions about "revenue on <http://x|our site>"
// should keep the words the user saw.
func ExpandLinks(text string) string {
	return linkRegex.ReplaceAllStringFunc(text, func(m string) string {
		parts := linkRegex.FindStringSubmatch(m)
		if len(parts) > 2 && parts[2] != "" {
			return parts[2]
		}
		return parts[1]
	})
}

// IsEmpty checks whether the text carries no question once markup is
// removed.
func IsEmpty(text string) bool {
	return strings.TrimSpace(StripMentions(text)) == ""
}

// Clean performs full markup normalization on question text.
// This is the function to use before a question enters the pipeline.
func Clean(text string) string {
	text = StripMentions(text)
	text = ExpandChannels(text)
	text = ExpandLinks(text)
	text = spaceRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
