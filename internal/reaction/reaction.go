// Package reaction classifies emoji reaction names into the semantic
// categories the interactive and task-list executors act on, independent of
// which platform originated them.
package reaction

var (
	approvalNames = map[string]bool{"thumbsup": true, "+1": true}
	allowAllNames = map[string]bool{"white_check_mark": true}
	denialNames   = map[string]bool{"thumbsdown": true, "-1": true, "x": true}

	// 1️⃣…9️⃣ are named "one"–"nine" in platform reaction payloads; the
	// keycap glyphs themselves are accepted too.
	numberEmoji = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9,
		"1️⃣": 1, "2️⃣": 2, "3️⃣": 3, "4️⃣": 4, "5️⃣": 5,
		"6️⃣": 6, "7️⃣": 7, "8️⃣": 8, "9️⃣": 9,
	}
)

// TaskToggle is the minimize/restore toggle reaction name.
const TaskToggle = "arrow_down_small"

// IsApproval reports whether name is in the APPROVAL category (👍).
func IsApproval(name string) bool { return approvalNames[name] }

// IsAllowAll reports whether name is in the ALLOW_ALL category (✅), used by
// the cross-user message approval flow's "invite" path.
func IsAllowAll(name string) bool { return allowAllNames[name] }

// IsDenial reports whether name is in the DENIAL category (👎/❌).
func IsDenial(name string) bool { return denialNames[name] }

// IsTaskToggle reports whether name is the minimize/restore toggle.
func IsTaskToggle(name string) bool { return name == TaskToggle }

// NumberIndex returns the 1-based index for a NUMBERS-category reaction
// (1️⃣…9️⃣, or its text alias "one".."nine"), and whether name was recognized.
func NumberIndex(name string) (int, bool) {
	if n, ok := numberEmoji[name]; ok {
		return n, true
	}
	return 0, false
}
