package htmlfilter

import "strings"

// Banner names, matching the filter.banner config values.
const (
	BannerNone       = "none"
	BannerAuto       = "auto"
	BannerDefault    = "default"
	BannerTelegram   = "telegram"
	BannerWhiteHouse = "white-house"
	BannerShopping   = "shopping"
)

// Banner is a replacement block injected where ads were removed.
type Banner struct {
	Name     string
	HTML     string
	Triggers []string // Substrings of removed src/class text that select this banner
}

var banners = map[string]Banner{
	BannerTelegram: {
		Name: BannerTelegram,
		HTML: `<div class="telegram-banner" style="padding:12px;background:#fff;border:2px solid #0088cc;border-radius:8px;box-shadow:0 4px 12px rgba(0,0,0,0.15);">` +
			`<a href="https://t.me/" target="_blank" rel="noopener" style="text-decoration:none;color:#0088cc;font-weight:bold;font-size:20px;">Join us on Telegram</a>` +
			`</div>`,
		Triggers: []string{"ads.", "tracking.", "adfox."},
	},
	BannerWhiteHouse: {
		Name: BannerWhiteHouse,
		HTML: `<div class="casino-banner" style="padding:12px;background:#fff;border:2px solid #cc0022;border-radius:8px;box-shadow:0 4px 12px rgba(0,0,0,0.15);">` +
			`<a href="https://www.whitehouse.gov/" target="_blank" rel="noopener" style="text-decoration:none;color:#cc0022;font-weight:bold;font-size:20px;">The White House</a>` +
			`</div>`,
		Triggers: []string{"casino", "poker", "gambling"},
	},
	BannerShopping: {
		Name: BannerShopping,
		HTML: `<div class="shopping-banner" style="padding:12px;background:#fff;border:2px solid #00cc44;border-radius:8px;box-shadow:0 4px 12px rgba(0,0,0,0.15);">` +
			`<a href="https://t.me/" target="_blank" rel="noopener" style="text-decoration:none;color:#0088cc;font-weight:bold;font-size:20px;">Deals without the tracking</a>` +
			`</div>`,
		Triggers: []string{"shop", "buy", "deal"},
	},
	BannerDefault: {
		Name: BannerDefault,
		HTML: `<div class="telegram-banner" style="padding:12px;background:#fff;border:2px solid #000;border-radius:8px;">` +
			`<span style="color:#000;font-weight:bold;font-size:20px;">Advertising blocked</span>` +
			`</div>`,
	},
}

// autoOrder is the order in which trigger lists are tried.
var autoOrder = []string{BannerTelegram, BannerWhiteHouse, BannerShopping}

// BannerByName returns the named banner. Unknown names and "none" report false.
func BannerByName(name string) (Banner, bool) {
	b, ok := banners[name]
	return b, ok
}

// chooseBanner picks the banner matching the removed elements' src and
// class text, falling back to the default banner.
func chooseBanner(removed []RemovedElement) Banner {
	var text strings.Builder
	for _, r := range removed {
		text.WriteString(strings.ToLower(r.Src))
		text.WriteByte(' ')
		text.WriteString(strings.ToLower(strings.Join(r.Classes, " ")))
		text.WriteByte(' ')
	}
	haystack := text.String()

	for _, name := range autoOrder {
		for _, trigger := range banners[name].Triggers {
			if strings.Contains(haystack, trigger) {
				return banners[name]
			}
		}
	}
	return banners[BannerDefault]
}
