package lwm2m

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeLinkFormat renders the advertised-objects vector as the
// comma-separated CoRE Link Format payload described in spec.md §4.2:
// `</N>` or `</N/M>`, with an optional `;rt="oma.lwm2m"` on the element
// carrying an alternate base path.
func EncodeLinkFormat(objs []AdvertisedObject) string {
	var parts []string
	for _, o := range objs {
		if len(o.InstanceIDs) == 0 {
			parts = append(parts, linkElement(fmt.Sprintf("/%d", o.ObjectID), o.AltPath))
			continue
		}
		for _, inst := range o.InstanceIDs {
			parts = append(parts, linkElement(fmt.Sprintf("/%d/%d", o.ObjectID, inst), o.AltPath))
		}
	}
	return strings.Join(parts, ",")
}

func linkElement(path, altPath string) string {
	if altPath == "" {
		return "<" + path + ">"
	}
	return "<" + path + ">;rt=\"oma.lwm2m\""
}

// DecodeLinkFormat parses a registration payload's comma-separated list of
// `</N>` / `</N/M>` elements back into an advertised-objects vector,
// per spec.md §4.2. Malformed elements yield an InvalidArgument error.
func DecodeLinkFormat(payload string) ([]AdvertisedObject, error) {
	byObject := make(map[uint16]*AdvertisedObject)
	var order []uint16
	for _, raw := range strings.Split(payload, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		link, attrs, ok := splitLinkElement(raw)
		if !ok {
			return nil, Errorf(KindInvalidArgument, "malformed link-format element %q", raw)
		}
		segs := strings.Split(strings.Trim(link, "/"), "/")
		objID, err := strconv.Atoi(segs[0])
		if err != nil {
			return nil, Errorf(KindInvalidArgument, "malformed object id in %q", raw)
		}
		entry, ok := byObject[uint16(objID)]
		if !ok {
			entry = &AdvertisedObject{ObjectID: uint16(objID)}
			byObject[uint16(objID)] = entry
			order = append(order, uint16(objID))
		}
		if len(segs) > 1 {
			instID, err := strconv.Atoi(segs[1])
			if err != nil {
				return nil, Errorf(KindInvalidArgument, "malformed instance id in %q", raw)
			}
			entry.InstanceIDs = append(entry.InstanceIDs, uint16(instID))
		}
		if strings.Contains(attrs, `rt="oma.lwm2m"`) {
			entry.AltPath = link
		}
	}
	out := make([]AdvertisedObject, 0, len(order))
	for _, id := range order {
		out = append(out, *byObject[id])
	}
	return out, nil
}

// splitLinkElement splits `<path>;attr1;attr2` into ("path", "attr1;attr2", true).
func splitLinkElement(s string) (path, attrs string, ok bool) {
	if !strings.HasPrefix(s, "<") {
		return "", "", false
	}
	end := strings.Index(s, ">")
	if end < 0 {
		return "", "", false
	}
	path = s[1:end]
	if end+1 < len(s) && s[end+1] == ';' {
		attrs = s[end+2:]
	}
	return path, attrs, true
}
