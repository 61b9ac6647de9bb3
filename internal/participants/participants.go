// Package participants resolves membership uniformly across the legacy thread
// shape (flat customerId/supplierId/recipientId), the ID-list shape and the
// participant-record shape of stored conversations.
//
// All membership decisions go through IsParticipant and IDs.
package participants

import (
	"slices"
	"sort"
	"strings"

	"github.com/plannr/messaging-service/internal/model"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// IDs returns the ordered, de-duplicated participant IDs of conv. Modern lists
// are returned verbatim; legacy threads assemble customer, supplier and
// recipient, dropping empty values.
func IDs(conv *model.Conversation) []string {
	if conv == nil {
		return nil
	}
	if len(conv.Participants) > 0 {
		ids := make([]string, 0, len(conv.Participants))
		for _, p := range conv.Participants {
			ids = append(ids, p.UserID)
		}
		return ids
	}
	if len(conv.ParticipantIDs) > 0 {
		return slices.Clone(conv.ParticipantIDs)
	}
	var ids []string
	for _, id := range []string{conv.CustomerID, conv.SupplierID, conv.RecipientID} {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsParticipant reports whether userID is a member of conv.
func IsParticipant(conv *model.Conversation, userID string) bool {
	if conv == nil || userID == "" {
		return false
	}
	return slices.Contains(IDs(conv), userID)
}

// Recipients returns every participant except senderID.
func Recipients(conv *model.Conversation, senderID string) []string {
	ids := IDs(conv)
	out := ids[:0]
	for _, id := range ids {
		if id != senderID {
			out = append(out, id)
		}
	}
	return out
}

// HasRecords reports whether conv keeps per-participant state on records.
func HasRecords(conv *model.Conversation) bool {
	return conv != nil && len(conv.Participants) > 0
}

// Record returns the participant record for userID, or nil.
func Record(conv *model.Conversation, userID string) *model.Participant {
	if conv == nil {
		return nil
	}
	for i := range conv.Participants {
		if conv.Participants[i].UserID == userID {
			return &conv.Participants[i]
		}
	}
	return nil
}

// UnreadCount returns the unread counter of userID in conv.
func UnreadCount(conv *model.Conversation, userID string) int64 {
	if p := Record(conv, userID); p != nil {
		return p.UnreadCount
	}
	if conv == nil {
		return 0
	}
	return conv.UnreadCounts[userID]
}

// SameSet reports whether a and b hold exactly the same IDs, ignoring order.
func SameSet(a, b []string) bool {
	as, bs := normalize(a), normalize(b)
	return slices.Equal(as, bs)
}

func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// MatchesContext reports whether conv is bound to the same reference as ctx.
func MatchesContext(conv *model.Conversation, ctx *model.ConversationContext) bool {
	if conv == nil || !ctx.Bound() || !conv.Context.Bound() {
		return false
	}
	return conv.Context.ReferenceType == ctx.ReferenceType && conv.Context.ReferenceID == ctx.ReferenceID
}

// DedupKey returns the uniqueness key for a new conversation, or "" when the
// conversation is neither direct nor context bound.
func DedupKey(typ model.ConversationType, ids []string, ctx *model.ConversationContext) string {
	set := strings.Join(normalize(ids), "|")
	switch {
	case typ == model.ConversationTypeDirect:
		return "direct:" + set
	case ctx.Bound():
		return "ctx:" + ctx.ReferenceType + ":" + ctx.ReferenceID + ":" + set
	default:
		return ""
	}
}

// IsNativeID reports whether ref is a syntactically valid ObjectID.
func IsNativeID(ref string) bool {
	_, err := bson.ObjectIDFromHex(ref)
	return err == nil
}

// LookupFilters returns the filters to try, in order, when resolving ref. A
// syntactically native ID is matched on _id first; every ref then falls back
// to matching either _id or the legacy string id field.
func LookupFilters(ref string) []bson.M {
	var filters []bson.M
	if oid, err := bson.ObjectIDFromHex(ref); err == nil {
		filters = append(filters, bson.M{"_id": oid})
	}
	return append(filters, bson.M{"$or": bson.A{bson.M{"_id": ref}, bson.M{"id": ref}}})
}

// IDFilter is a single filter equivalent to trying LookupFilters in order.
func IDFilter(ref string) bson.M {
	or := bson.A{bson.M{"_id": ref}, bson.M{"id": ref}}
	if oid, err := bson.ObjectIDFromHex(ref); err == nil {
		or = append(bson.A{bson.M{"_id": oid}}, or...)
	}
	return bson.M{"$or": or}
}

// Matches reports whether conv is addressed by ref, under the same rules as LookupFilters.
func Matches(conv *model.Conversation, ref string) bool {
	return conv != nil && ref != "" && (conv.ID == ref || conv.LegacyID == ref)
}

// ValidUserID reports whether id can key a per-user document field. Legacy
// threads store unread counts under "unreadCount.<id>", so IDs containing a
// dot or starting with "$" would address a different field.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, ".") && !strings.HasPrefix(id, "$")
}
