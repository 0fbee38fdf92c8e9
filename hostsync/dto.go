package hostsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

type apiListing struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	InternalListingName string `json:"internalListingName"`
	Address             string `json:"address"`
	City                string `json:"city"`
	CountryCode         string `json:"countryCode"`
	ThumbnailUrl        string `json:"thumbnailUrl"`
	Bedrooms            int    `json:"bedroomsNumber"`
	Bathrooms           int    `json:"bathroomsNumber"`
	PersonCapacity      int    `json:"personCapacity"`
	Status              string `json:"status"`
}

type apiReservation struct {
	ID                     int64       `json:"id"`
	ListingMapId           int64       `json:"listingMapId"`
	ChannelName            string      `json:"channelName"`
	Status                 string      `json:"status"`
	ConfirmationCode       string      `json:"confirmationCode"`
	GuestName              string      `json:"guestName"`
	GuestFirstName         string      `json:"guestFirstName"`
	GuestLastName          string      `json:"guestLastName"`
	GuestEmail             string      `json:"guestEmail"`
	GuestExternalAccountId string      `json:"guestExternalAccountId"`
	GuestLocation          string      `json:"guestLocation"`
	GuestPicture           string      `json:"guestPicture"`
	Phone                  string      `json:"phone"`
	NumberOfGuests         int         `json:"numberOfGuests"`
	ArrivalDate            string      `json:"arrivalDate"`
	DepartureDate          string      `json:"departureDate"`
	Nights                 int         `json:"nights"`
	TotalPrice             json.Number `json:"totalPrice"`
	HostPayout             json.Number `json:"hostPayout"`
	Currency               string      `json:"currency"`
	LatestActivityOn       string      `json:"latestActivityOn"`
}

type apiConversation struct {
	ID            int64  `json:"id"`
	ReservationId *int64 `json:"reservationId"`
	ListingMapId  *int64 `json:"listingMapId"`
	Type          string `json:"type"`
}

type apiMessage struct {
	ID             *int64 `json:"id"`
	ConversationId int64  `json:"conversationId"`
	Body           string `json:"body"`
	IsIncoming     int    `json:"isIncoming"`
	Date           string `json:"date"`
}

type apiReview struct {
	ID              int64    `json:"id"`
	ListingMapId    int64    `json:"listingMapId"`
	ReservationId   *int64   `json:"reservationId"`
	GuestName       string   `json:"guestName"`
	ChannelName     string   `json:"channelName"`
	Status          string   `json:"status"`
	Rating          *float64 `json:"rating"`
	PublicReview    string   `json:"publicReview"`
	PrivateFeedback string   `json:"privateFeedback"`
	SubmittedAt     string   `json:"submittedAt"`
	DepartureDate   string   `json:"departureDate"`
}

// hostawayAPI is the surface the syncers consume. Tests substitute a
// fake; *Client is the production implementation.
type hostawayAPI interface {
	ListListings(ctx context.Context, limit, offset int) ([]apiListing, error)
	ListReservations(ctx context.Context, limit, offset int) ([]apiReservation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]apiConversation, error)
	ConversationsForReservation(ctx context.Context, reservationId int64) ([]apiConversation, error)
	ListConversationMessages(ctx context.Context, conversationId int64) ([]apiMessage, error)
	ListReviews(ctx context.Context, limit, offset int) ([]apiReview, error)
}

func pageParams(limit, offset int) url.Values {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	return params
}

func decodeList[T any](items []json.RawMessage, endpoint string) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, raw := range items {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode %s item: %w", endpoint, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) ListListings(ctx context.Context, limit, offset int) ([]apiListing, error) {
	items, err := c.GetList(ctx, "/v1/listings", pageParams(limit, offset))
	if err != nil {
		return nil, err
	}
	return decodeList[apiListing](items, "/v1/listings")
}

// ListReservations requests reservations newest-activity first, which is
// what the incremental early-stop heuristic relies on.
func (c *Client) ListReservations(ctx context.Context, limit, offset int) ([]apiReservation, error) {
	params := pageParams(limit, offset)
	params.Set("sortOrder", "latestActivityDesc")
	items, err := c.GetList(ctx, "/v1/reservations", params)
	if err != nil {
		return nil, err
	}
	return decodeList[apiReservation](items, "/v1/reservations")
}

func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]apiConversation, error) {
	items, err := c.GetList(ctx, "/v1/conversations", pageParams(limit, offset))
	if err != nil {
		return nil, err
	}
	return decodeList[apiConversation](items, "/v1/conversations")
}

func (c *Client) ConversationsForReservation(ctx context.Context, reservationId int64) ([]apiConversation, error) {
	params := url.Values{}
	params.Set("reservationId", strconv.FormatInt(reservationId, 10))
	items, err := c.GetList(ctx, "/v1/conversations", params)
	if err != nil {
		return nil, err
	}
	return decodeList[apiConversation](items, "/v1/conversations")
}

func (c *Client) ListConversationMessages(ctx context.Context, conversationId int64) ([]apiMessage, error) {
	endpoint := "/v1/conversations/" + strconv.FormatInt(conversationId, 10) + "/messages"
	items, err := c.GetList(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[apiMessage](items, endpoint)
}

// ListReviews requests reviews sorted by departure date descending. The
// upstream status filter parameter is unreliable, so status filtering
// happens client-side in the reviews syncer.
func (c *Client) ListReviews(ctx context.Context, limit, offset int) ([]apiReview, error) {
	params := pageParams(limit, offset)
	params.Set("sortOrder", "departureDateDesc")
	items, err := c.GetList(ctx, "/v1/reviews", params)
	if err != nil {
		return nil, err
	}
	return decodeList[apiReview](items, "/v1/reviews")
}
