package compositor

import "strings"

// emojiTable maps :name: tokens to their glyphs. The set covers the
// shortcodes seen in real configurations; unknown tokens pass through
// untouched.
var emojiTable = map[string]string{
	"smile":            "😄",
	"grin":             "😁",
	"joy":              "😂",
	"wink":             "😉",
	"heart":            "❤️",
	"broken_heart":     "💔",
	"thumbsup":         "👍",
	"+1":               "👍",
	"thumbsdown":       "👎",
	"-1":               "👎",
	"clap":             "👏",
	"wave":             "👋",
	"ok_hand":          "👌",
	"pray":             "🙏",
	"muscle":           "💪",
	"fire":             "🔥",
	"star":             "⭐",
	"sparkles":         "✨",
	"zap":              "⚡",
	"boom":             "💥",
	"sun":              "☀️",
	"moon":             "🌙",
	"cloud":            "☁️",
	"rain":             "🌧️",
	"snow":             "❄️",
	"umbrella":         "☂️",
	"rainbow":          "🌈",
	"rocket":           "🚀",
	"airplane":         "✈️",
	"car":              "🚗",
	"house":            "🏠",
	"office":           "🏢",
	"bell":             "🔔",
	"no_bell":          "🔕",
	"mute":             "🔇",
	"sound":            "🔉",
	"loud_sound":       "🔊",
	"speaker":          "🔈",
	"microphone":       "🎤",
	"headphones":       "🎧",
	"musical_note":     "🎵",
	"notes":            "🎶",
	"play":             "▶️",
	"pause":            "⏸️",
	"stop_button":      "⏹️",
	"record":           "⏺️",
	"next_track":       "⏭️",
	"previous_track":   "⏮️",
	"fast_forward":     "⏩",
	"rewind":           "⏪",
	"repeat":           "🔁",
	"shuffle":          "🔀",
	"camera":           "📷",
	"video_camera":     "📹",
	"movie_camera":     "🎥",
	"tv":               "📺",
	"computer":         "💻",
	"keyboard":         "⌨️",
	"phone":            "📱",
	"telephone":        "☎️",
	"email":            "📧",
	"envelope":         "✉️",
	"lock":             "🔒",
	"unlock":           "🔓",
	"key":              "🔑",
	"bulb":             "💡",
	"flashlight":       "🔦",
	"battery":          "🔋",
	"electric_plug":    "🔌",
	"wrench":           "🔧",
	"hammer":           "🔨",
	"gear":             "⚙️",
	"hourglass":        "⌛",
	"alarm_clock":      "⏰",
	"stopwatch":        "⏱️",
	"calendar":         "📅",
	"chart":            "📈",
	"chart_down":       "📉",
	"clipboard":        "📋",
	"pushpin":          "📌",
	"paperclip":        "📎",
	"scissors":         "✂️",
	"pencil":           "✏️",
	"book":             "📖",
	"folder":           "📁",
	"open_folder":      "📂",
	"page":             "📄",
	"package":          "📦",
	"magnifier":        "🔍",
	"warning":          "⚠️",
	"no_entry":         "⛔",
	"white_check_mark": "✅",
	"x":                "❌",
	"question":         "❓",
	"exclamation":      "❗",
	"information":      "ℹ️",
	"recycle":          "♻️",
	"arrow_up":         "⬆️",
	"arrow_down":       "⬇️",
	"arrow_left":       "⬅️",
	"arrow_right":      "➡️",
	"arrows_cw":        "🔄",
	"hourglass_done":   "⏳",
	"checkered_flag":   "🏁",
	"trophy":           "🏆",
	"game_die":         "🎲",
	"dart":             "🎯",
	"gift":             "🎁",
	"tada":             "🎉",
	"coffee":           "☕",
	"beer":             "🍺",
	"pizza":            "🍕",
	"ghost":            "👻",
	"robot":            "🤖",
	"skull":            "💀",
	"eyes":             "👀",
	"brain":            "🧠",
	"zzz":              "💤",
}

// ExpandEmojis replaces every known :name: token with its glyph.
func ExpandEmojis(s string) string {
	if !strings.Contains(s, ":") {
		return s
	}
	var out strings.Builder
	for {
		open := strings.IndexByte(s, ':')
		if open < 0 {
			out.WriteString(s)
			return out.String()
		}
		close := strings.IndexByte(s[open+1:], ':')
		if close < 0 {
			out.WriteString(s)
			return out.String()
		}
		close += open + 1
		name := s[open+1 : close]
		if glyph, ok := emojiTable[name]; ok {
			out.WriteString(s[:open])
			out.WriteString(glyph)
			s = s[close+1:]
			continue
		}
		out.WriteString(s[:open+1])
		s = s[open+1:]
	}
}
