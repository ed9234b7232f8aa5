package rabbitmq

import "strings"

// Topic fills {name} placeholders of tmpl from key/value pairs.
//
//	Topic("{base}/{sensor}/decision", "base", "irrigation_system", "sensor", "7")
func Topic(tmpl string, kv ...string) string {
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
