// Package vocab implements the Activity Vocabulary runtime: a generic
// property-table representation of ActivityStreams objects with
// type-preserving JSON-LD serialization, class ancestry, and lazy
// materialization of by-reference property values through a document loader.
package vocab

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// DefaultContext is the standard JSON-LD @context emitted for objects.
var DefaultContext = []any{
	ActivityStreamsNS,
	SecurityNS,
	map[string]any{
		"Hashtag":       "as:Hashtag",
		"sensitive":     "as:sensitive",
		"toot":          "http://joinmastodon.org/ns#",
		"Emoji":         "toot:Emoji",
		"featured":      map[string]any{"@id": "toot:featured", "@type": "@id"},
		"featuredTags":  map[string]any{"@id": "toot:featuredTags", "@type": "@id"},
		"discoverable":  "toot:discoverable",
		"alsoKnownAs":   map[string]any{"@id": "as:alsoKnownAs", "@type": "@id"},
		"quoteUrl":      "as:quoteUrl",
		"schema":        "http://schema.org#",
		"PropertyValue": "schema:PropertyValue",
		"value":         "schema:value",
	},
}

// Type is an ActivityStreams class tag.
type Type string

// Core object and activity classes.
const (
	TypeObject               Type = "Object"
	TypeLink                 Type = "Link"
	TypeActivity             Type = "Activity"
	TypeIntransitiveActivity Type = "IntransitiveActivity"

	TypeAccept          Type = "Accept"
	TypeTentativeAccept Type = "TentativeAccept"
	TypeAdd             Type = "Add"
	TypeAnnounce        Type = "Announce"
	TypeBlock           Type = "Block"
	TypeCreate          Type = "Create"
	TypeDelete          Type = "Delete"
	TypeDislike         Type = "Dislike"
	TypeEmojiReact      Type = "EmojiReact"
	TypeFlag            Type = "Flag"
	TypeFollow          Type = "Follow"
	TypeIgnore          Type = "Ignore"
	TypeInvite          Type = "Invite"
	TypeJoin            Type = "Join"
	TypeLeave           Type = "Leave"
	TypeLike            Type = "Like"
	TypeListen          Type = "Listen"
	TypeMove            Type = "Move"
	TypeOffer           Type = "Offer"
	TypeReject          Type = "Reject"
	TypeTentativeReject Type = "TentativeReject"
	TypeRead            Type = "Read"
	TypeRemove          Type = "Remove"
	TypeUndo            Type = "Undo"
	TypeUpdate          Type = "Update"
	TypeView            Type = "View"
	TypeArrive          Type = "Arrive"
	TypeQuestion        Type = "Question"
	TypeTravel          Type = "Travel"
)

// Actor classes.
const (
	TypeApplication  Type = "Application"
	TypeGroup        Type = "Group"
	TypeOrganization Type = "Organization"
	TypePerson       Type = "Person"
	TypeService      Type = "Service"
)

// Document and collection classes.
const (
	TypeArticle               Type = "Article"
	TypeDocument              Type = "Document"
	TypeAudio                 Type = "Audio"
	TypeImage                 Type = "Image"
	TypePage                  Type = "Page"
	TypeVideo                 Type = "Video"
	TypeNote                  Type = "Note"
	TypeEvent                 Type = "Event"
	TypePlace                 Type = "Place"
	TypeProfile               Type = "Profile"
	TypeTombstone             Type = "Tombstone"
	TypeMention               Type = "Mention"
	TypeCollection            Type = "Collection"
	TypeOrderedCollection     Type = "OrderedCollection"
	TypeCollectionPage        Type = "CollectionPage"
	TypeOrderedCollectionPage Type = "OrderedCollectionPage"
	TypeKey                   Type = "Key"
)

// parents declares each class's immediate ancestor. Classes absent from the
// table are direct children of Object. Listener dispatch walks this table
// to find the most specific registered ancestor.
var parents = map[Type]Type{
	TypeActivity:             TypeObject,
	TypeLink:                 TypeObject,
	TypeIntransitiveActivity: TypeActivity,

	TypeAccept:          TypeActivity,
	TypeTentativeAccept: TypeAccept,
	TypeAdd:             TypeActivity,
	TypeAnnounce:        TypeActivity,
	TypeIgnore:          TypeActivity,
	TypeBlock:           TypeIgnore,
	TypeCreate:          TypeActivity,
	TypeDelete:          TypeActivity,
	TypeDislike:         TypeActivity,
	TypeEmojiReact:      TypeLike,
	TypeFlag:            TypeActivity,
	TypeFollow:          TypeActivity,
	TypeInvite:          TypeOffer,
	TypeJoin:            TypeActivity,
	TypeLeave:           TypeActivity,
	TypeLike:            TypeActivity,
	TypeListen:          TypeActivity,
	TypeMove:            TypeActivity,
	TypeOffer:           TypeActivity,
	TypeReject:          TypeActivity,
	TypeTentativeReject: TypeReject,
	TypeRead:            TypeActivity,
	TypeRemove:          TypeActivity,
	TypeUndo:            TypeActivity,
	TypeUpdate:          TypeActivity,
	TypeView:            TypeActivity,
	TypeArrive:          TypeIntransitiveActivity,
	TypeQuestion:        TypeIntransitiveActivity,
	TypeTravel:          TypeIntransitiveActivity,

	TypeApplication:  TypeObject,
	TypeGroup:        TypeObject,
	TypeOrganization: TypeObject,
	TypePerson:       TypeObject,
	TypeService:      TypeObject,

	TypeArticle:               TypeObject,
	TypeDocument:              TypeObject,
	TypeAudio:                 TypeDocument,
	TypeImage:                 TypeDocument,
	TypePage:                  TypeDocument,
	TypeVideo:                 TypeDocument,
	TypeNote:                  TypeObject,
	TypeEvent:                 TypeObject,
	TypePlace:                 TypeObject,
	TypeProfile:               TypeObject,
	TypeTombstone:             TypeObject,
	TypeMention:               TypeLink,
	TypeCollection:            TypeObject,
	TypeOrderedCollection:     TypeCollection,
	TypeCollectionPage:        TypeCollection,
	TypeOrderedCollectionPage: TypeCollectionPage,
	TypeKey:                   TypeObject,
}

// Parent returns the immediate ancestor of t. Object has no parent.
func Parent(t Type) (Type, bool) {
	if t == TypeObject {
		return "", false
	}
	p, ok := parents[t]
	if !ok {
		// Unknown classes hang directly off Object so dispatch on Object
		// still catches them.
		return TypeObject, true
	}
	return p, true
}

// Ancestry returns t followed by its ancestors up to Object.
func Ancestry(t Type) []Type {
	chain := []Type{t}
	for {
		p, ok := Parent(t)
		if !ok {
			return chain
		}
		chain = append(chain, p)
		t = p
	}
}

// IsSubtype reports whether t is ancestor or equals ancestor.
func IsSubtype(t, ancestor Type) bool {
	for {
		if t == ancestor {
			return true
		}
		p, ok := Parent(t)
		if !ok {
			return false
		}
		t = p
	}
}

// actorTypes lists the classes that represent federated identities.
var actorTypes = map[Type]struct{}{
	TypePerson:       {},
	TypeService:      {},
	TypeApplication:  {},
	TypeGroup:        {},
	TypeOrganization: {},
}

// IsActorType reports whether t is one of the five actor classes.
func IsActorType(t Type) bool {
	_, ok := actorTypes[t]
	return ok
}

// activityTypes reports whether t derives from Activity.
func IsActivityType(t Type) bool {
	return IsSubtype(t, TypeActivity)
}
