package subdomain

var adjectives = []string{
	"able", "agile", "amber", "ancient", "aqua", "arctic", "autumn", "azure",
	"bold", "brave", "breezy", "bright", "brisk", "bronze", "calm", "candid",
	"cedar", "cheery", "chilly", "civic", "clear", "clever", "cobalt", "coral",
	"cosmic", "cozy", "crimson", "crisp", "daring", "dapper", "dawn", "deep",
	"dewy", "dotted", "dusky", "eager", "early", "earnest", "easy", "ebony",
	"electric", "elegant", "emerald", "fancy", "fast", "fearless", "fierce", "fine",
	"firm", "fleet", "floral", "fluent", "fond", "fresh", "frosty", "gentle",
	"giant", "gilded", "glad", "golden", "grand", "great", "green", "happy",
	"hardy", "hazel", "heroic", "hidden", "humble", "icy", "indigo", "ivory",
	"jade", "jolly", "keen", "kind", "large", "light", "lively", "loyal",
	"lucid", "lucky", "lunar", "magic", "mellow", "merry", "mighty", "misty",
	"modern", "neat", "nimble", "noble", "novel", "opal", "pale", "patient",
	"peachy", "placid", "plucky", "polar", "proud", "purple", "quick", "quiet",
	"rapid", "regal", "royal", "ruby", "rustic", "sable", "sandy", "scarlet",
	"serene", "sharp", "shiny", "silent", "silver", "sleek", "smooth", "snowy",
	"solar", "solid", "sturdy", "sunny", "swift", "tidal", "tidy", "topaz",
	"tranquil", "trusty", "velvet", "vernal", "violet", "vivid", "warm", "wild",
	"wise", "witty", "young", "zesty",
}

var nouns = []string{
	"acorn", "anchor", "aspen", "badger", "bay", "beacon", "bear", "beaver",
	"birch", "bison", "bloom", "bluff", "brook", "canyon", "cape", "cedar",
	"cliff", "cloud", "clover", "comet", "condor", "coral", "cove", "crane",
	"creek", "crest", "cricket", "dale", "dawn", "deer", "delta", "dove",
	"drift", "dune", "eagle", "ember", "falcon", "fern", "finch", "fjord",
	"flint", "forest", "fox", "garden", "glade", "glen", "grove", "gull",
	"harbor", "hawk", "hazel", "heron", "hill", "hollow", "ibis", "inlet",
	"iris", "island", "jay", "juniper", "kestrel", "kite", "lagoon", "lake",
	"lark", "laurel", "ledge", "lily", "linden", "lotus", "lynx", "maple",
	"marsh", "meadow", "mesa", "moose", "moss", "moth", "oak", "ocean",
	"orchard", "osprey", "otter", "owl", "peak", "pebble", "pike", "pine",
	"plume", "pond", "poppy", "prairie", "quail", "rain", "raven", "reef",
	"ridge", "river", "robin", "rook", "rose", "sage", "shore", "sparrow",
	"spring", "spruce", "star", "stone", "storm", "stream", "summit", "swan",
	"thistle", "thrush", "tide", "trail", "tulip", "vale", "valley", "willow",
	"wolf", "wren",
}
