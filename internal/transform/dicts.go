package transform

// EnumSynonyms maps domain-agnostic aliases onto canonical catalog labels.
// The mapping is only applied when the target label actually exists in the
// column's enum catalog entry.
var EnumSynonyms = map[string]string{
	"activity": "INDIVIDUAL",
	"active":   "ACTIVE",
	"yes":      "TRUE",
	"no":       "FALSE",
}

// truthy and falsy are the textual boolean forms accepted by the boolean
// coercion, checked after lowercasing.
var truthy = map[string]bool{
	"true": true, "1": true, "yes": true, "on": true, "t": true, "y": true,
}

var falsy = map[string]bool{
	"false": true, "0": true, "no": true, "off": true, "f": true, "n": true,
}
