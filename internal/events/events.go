// Package events implements the typed notification facade of spec.md
// §4.3 over the external message bus (internal/bus), following the
// teacher's eventBus/rpcBus fields on Chain (pkg/core/chain/chain.go)
// and the "record every call" shape of the teacher's
// mocks/EventHandler.go.
//
// Every publish accepts an optional storage.Tx; when supplied,
// publication is deferred via Tx.OnCommit so the event only reaches the
// bus if the enclosing database transaction actually commits (the
// commit-outbox pattern required by spec.md §4.3/§9).
package events

import (
	"github.com/sirupsen/logrus"

	"github.com/thehobbit85/chromanode/internal/model"
	"github.com/thehobbit85/chromanode/internal/storage"
)

var log = logrus.WithFields(logrus.Fields{"process": "events"})

// Bus is the narrow publish surface internal/bus provides; kept separate
// from bus.Bus so this package can be tested against a fake without
// importing the AMQP transport.
type Bus interface {
	Publish(channel string, payload any) error
}

// Channel names, fixed by spec.md §4.3.
const (
	ChannelSendTxResponse   = "sendtxresponse"
	ChannelBroadcastBlock   = "broadcastblock"
	ChannelBroadcastTx      = "broadcasttx"
	ChannelBroadcastAddress = "broadcastaddress"
	ChannelBroadcastStatus  = "broadcaststatus"
	ChannelAddTx            = "addtx"
	ChannelRemoveTx         = "removetx"
	ChannelAddBlock         = "addblock"
	ChannelRemoveBlock      = "removeblock"
)

// SendTxStatus is the status enum of the sendtxresponse event.
type SendTxStatus string

// SendTxStatus values.
const (
	SendTxSuccess SendTxStatus = "success"
	SendTxFail    SendTxStatus = "fail"
)

// SendTxResponse is the sendtxresponse event payload.
type SendTxResponse struct {
	ID      string       `json:"id"`
	Status  SendTxStatus `json:"status"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
}

// BroadcastBlock is the broadcastblock event payload.
type BroadcastBlock struct {
	Hash   model.Hash `json:"hash"`
	Height int32      `json:"height"`
}

// BroadcastTx is the broadcasttx event payload.
type BroadcastTx struct {
	Txid        model.Hash  `json:"txid"`
	Blockhash   *model.Hash `json:"blockhash,omitempty"`
	BlockHeight *int32      `json:"blockheight,omitempty"`
}

// BroadcastAddress is the broadcastaddress event payload.
type BroadcastAddress struct {
	Address     string      `json:"address"`
	Txid        model.Hash  `json:"txid"`
	Blockhash   *model.Hash `json:"blockhash,omitempty"`
	BlockHeight *int32      `json:"blockheight,omitempty"`
}

// BroadcastStatus is the free-form broadcaststatus event payload (spec.md
// §4.3, Open Question — see SPEC_FULL.md for how this repo uses it).
type BroadcastStatus struct {
	Status string         `json:"status"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// AddTx is the addtx event payload.
type AddTx struct {
	Txid        model.Hash `json:"txid"`
	Unconfirmed bool       `json:"unconfirmed"`
}

// RemoveTx is the removetx event payload.
type RemoveTx struct {
	Txid        model.Hash `json:"txid"`
	Unconfirmed bool       `json:"unconfirmed"`
}

// AddBlock is the addblock event payload.
type AddBlock struct {
	Hash model.Hash `json:"hash"`
}

// RemoveBlock is the removeblock event payload.
type RemoveBlock struct {
	Hash model.Hash `json:"hash"`
}

// Publisher is the EventPublisher of spec.md §4.3.
type Publisher struct {
	bus Bus
}

// New returns a Publisher over bus.
func New(bus Bus) *Publisher {
	return &Publisher{bus: bus}
}

// publish sends payload on channel immediately, or — when tx is
// non-nil — defers the send until tx commits, so a rolled-back
// transaction never leaks an event to subscribers.
func (p *Publisher) publish(tx storage.Tx, channel string, payload any) {
	send := func() {
		if err := p.bus.Publish(channel, payload); err != nil {
			log.WithError(err).WithField("channel", channel).Error("failed to publish event")
		}
	}

	if tx == nil {
		send()

		return
	}

	tx.OnCommit(send)
}

// SendTxResponse publishes a sendtxresponse event.
func (p *Publisher) SendTxResponse(tx storage.Tx, ev SendTxResponse) {
	p.publish(tx, ChannelSendTxResponse, ev)
}

// BroadcastBlock publishes a broadcastblock event.
func (p *Publisher) BroadcastBlock(tx storage.Tx, hash model.Hash, height int32) {
	p.publish(tx, ChannelBroadcastBlock, BroadcastBlock{Hash: hash, Height: height})
}

// BroadcastTx publishes a broadcasttx event.
func (p *Publisher) BroadcastTx(tx storage.Tx, txid model.Hash, blockhash *model.Hash, blockHeight *int32) {
	p.publish(tx, ChannelBroadcastTx, BroadcastTx{Txid: txid, Blockhash: blockhash, BlockHeight: blockHeight})
}

// BroadcastAddress publishes a broadcastaddress event.
func (p *Publisher) BroadcastAddress(tx storage.Tx, address string, txid model.Hash, blockhash *model.Hash, blockHeight *int32) {
	p.publish(tx, ChannelBroadcastAddress, BroadcastAddress{
		Address: address, Txid: txid, Blockhash: blockhash, BlockHeight: blockHeight,
	})
}

// BroadcastStatus publishes a free-form status event. See SPEC_FULL.md
// for this repo's stance on the Open Question of who consumes it.
func (p *Publisher) BroadcastStatus(status string, extra map[string]any) {
	p.publish(nil, ChannelBroadcastStatus, BroadcastStatus{Status: status, Extra: extra})
}

// AddTx publishes an addtx event.
func (p *Publisher) AddTx(tx storage.Tx, txid model.Hash, unconfirmed bool) {
	p.publish(tx, ChannelAddTx, AddTx{Txid: txid, Unconfirmed: unconfirmed})
}

// RemoveTx publishes a removetx event.
func (p *Publisher) RemoveTx(tx storage.Tx, txid model.Hash, unconfirmed bool) {
	p.publish(tx, ChannelRemoveTx, RemoveTx{Txid: txid, Unconfirmed: unconfirmed})
}

// AddBlock publishes an addblock event.
func (p *Publisher) AddBlock(tx storage.Tx, hash model.Hash) {
	p.publish(tx, ChannelAddBlock, AddBlock{Hash: hash})
}

// RemoveBlock publishes a removeblock event.
func (p *Publisher) RemoveBlock(tx storage.Tx, hash model.Hash) {
	p.publish(tx, ChannelRemoveBlock, RemoveBlock{Hash: hash})
}
