package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"clob/internal/clob"
)

func parseAccountId(s string) (clob.AccountId, error) {
	var id clob.AccountId
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("%w: invalid account id %q", clob.ErrSerialization, s)
	}
	copy(id[:], b)
	return id, nil
}

// orderRow is the gorm model backing the `orders` table of §6.
type orderRow struct {
	OrderId           uint64 `gorm:"primaryKey"`
	Owner             string `gorm:"index;not null"`
	ClientOrderId     uint64
	Side              uint8
	OrderType         uint8
	TimeInForce       uint8
	SelfTradeBehavior uint8
	Price             uint64
	Quantity          uint64
	RemainingQuantity uint64
	Timestamp         time.Time `gorm:"index"`
	ExpiryTimestamp   time.Time
	Status            uint8
}

func (orderRow) TableName() string { return "orders" }

// tradeRow backs the append-only `trades` table.
type tradeRow struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	MakerOrderId uint64
	TakerOrderId uint64
	MakerOwner   string
	TakerOwner   string
	Price        uint64
	Quantity     uint64
	MakerSide    uint8
	Timestamp    time.Time `gorm:"index"`
}

func (tradeRow) TableName() string { return "trades" }

// snapshotRow backs `orderbook_snapshots`, keyed by sequence number per §6;
// bids/asks are stored as the JSON `[price, quantity]` arrays the spec
// requires on the wire.
type snapshotRow struct {
	SequenceNumber uint64 `gorm:"primaryKey"`
	Timestamp      time.Time
	Bids           string
	Asks           string
}

func (snapshotRow) TableName() string { return "orderbook_snapshots" }

// PostgresStorage is the durable journal, grounded on the Rust
// PostgresStorage (`sqlx`-backed) in the original implementation, adapted
// to gorm idiom.
type PostgresStorage struct {
	db *gorm.DB
}

// NewPostgresStorage opens dsn and migrates the journal tables.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", clob.ErrStorage, err)
	}
	if err := db.AutoMigrate(&orderRow{}, &tradeRow{}, &snapshotRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", clob.ErrStorage, err)
	}
	return &PostgresStorage{db: db}, nil
}

func toOrderRow(o *clob.Order) orderRow {
	return orderRow{
		OrderId:           uint64(o.OrderId),
		Owner:             o.Owner.String(),
		ClientOrderId:     uint64(o.ClientOrderId),
		Side:              uint8(o.Side),
		OrderType:         uint8(o.OrderType),
		TimeInForce:       uint8(o.TimeInForce),
		SelfTradeBehavior: uint8(o.SelfTradeBehavior),
		Price:             o.Price,
		Quantity:          o.Quantity,
		RemainingQuantity: o.RemainingQuantity,
		Timestamp:         o.Timestamp,
		ExpiryTimestamp:   o.ExpiryTimestamp,
		Status:            uint8(o.Status),
	}
}

func fromOrderRow(r orderRow) (*clob.Order, error) {
	owner, err := parseAccountId(r.Owner)
	if err != nil {
		return nil, err
	}
	return &clob.Order{
		OrderId:           clob.OrderId(r.OrderId),
		Owner:             owner,
		ClientOrderId:     clob.ClientOrderId(r.ClientOrderId),
		Side:              clob.Side(r.Side),
		OrderType:         clob.OrderType(r.OrderType),
		TimeInForce:       clob.TimeInForce(r.TimeInForce),
		SelfTradeBehavior: clob.SelfTradeBehavior(r.SelfTradeBehavior),
		Price:             r.Price,
		Quantity:          r.Quantity,
		RemainingQuantity: r.RemainingQuantity,
		Timestamp:         r.Timestamp,
		ExpiryTimestamp:   r.ExpiryTimestamp,
		Status:            clob.OrderStatus(r.Status),
	}, nil
}

func (p *PostgresStorage) StoreOrder(order *clob.Order) error {
	row := toOrderRow(order)
	if err := p.db.Create(&row).Error; err != nil {
		return fmt.Errorf("%w: store order %d: %v", clob.ErrStorage, order.OrderId, err)
	}
	return nil
}

func (p *PostgresStorage) UpdateOrder(order *clob.Order) error {
	row := toOrderRow(order)
	if err := p.db.Model(&orderRow{}).Where("order_id = ?", row.OrderId).
		Updates(map[string]any{"remaining_quantity": row.RemainingQuantity, "status": row.Status}).Error; err != nil {
		return fmt.Errorf("%w: update order %d: %v", clob.ErrStorage, order.OrderId, err)
	}
	return nil
}

func (p *PostgresStorage) GetOrder(orderId clob.OrderId) (*clob.Order, error) {
	var row orderRow
	err := p.db.First(&row, "order_id = ?", uint64(orderId)).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order %d: %v", clob.ErrStorage, orderId, err)
	}
	return fromOrderRow(row)
}

func (p *PostgresStorage) GetUserOrders(owner clob.AccountId) ([]*clob.Order, error) {
	var rows []orderRow
	if err := p.db.Where("owner = ?", owner.String()).Order("timestamp DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: get user orders: %v", clob.ErrStorage, err)
	}
	out := make([]*clob.Order, 0, len(rows))
	for _, r := range rows {
		o, err := fromOrderRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *PostgresStorage) GetLiveOrders() ([]*clob.Order, error) {
	var rows []orderRow
	live := []uint8{uint8(clob.Open), uint8(clob.PartiallyFilled)}
	if err := p.db.Where("status IN ?", live).Order("order_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: get live orders: %v", clob.ErrStorage, err)
	}
	out := make([]*clob.Order, 0, len(rows))
	for _, r := range rows {
		o, err := fromOrderRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *PostgresStorage) StoreTrade(trade *clob.Trade) error {
	row := tradeRow{
		MakerOrderId: uint64(trade.MakerOrderId),
		TakerOrderId: uint64(trade.TakerOrderId),
		MakerOwner:   trade.MakerOwner.String(),
		TakerOwner:   trade.TakerOwner.String(),
		Price:        trade.Price,
		Quantity:     trade.Quantity,
		MakerSide:    uint8(trade.MakerSide),
		Timestamp:    trade.Timestamp,
	}
	if err := p.db.Create(&row).Error; err != nil {
		return fmt.Errorf("%w: store trade: %v", clob.ErrStorage, err)
	}
	return nil
}

func (p *PostgresStorage) GetRecentTrades(limit int) ([]*clob.Trade, error) {
	limit = clampLimit(limit, 100)
	var rows []tradeRow
	if err := p.db.Order("timestamp DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: get recent trades: %v", clob.ErrStorage, err)
	}
	out := make([]*clob.Trade, 0, len(rows))
	for _, r := range rows {
		maker, _ := parseAccountId(r.MakerOwner)
		taker, _ := parseAccountId(r.TakerOwner)
		out = append(out, &clob.Trade{
			MakerOrderId: clob.OrderId(r.MakerOrderId),
			TakerOrderId: clob.OrderId(r.TakerOrderId),
			MakerOwner:   maker,
			TakerOwner:   taker,
			Price:        r.Price,
			Quantity:     r.Quantity,
			MakerSide:    clob.Side(r.MakerSide),
			Timestamp:    r.Timestamp,
		})
	}
	return out, nil
}

func (p *PostgresStorage) StoreSnapshot(snapshot *clob.Snapshot) error {
	bids, err := json.Marshal(snapshot.Bids)
	if err != nil {
		return fmt.Errorf("%w: encode bids: %v", clob.ErrSerialization, err)
	}
	asks, err := json.Marshal(snapshot.Asks)
	if err != nil {
		return fmt.Errorf("%w: encode asks: %v", clob.ErrSerialization, err)
	}
	row := snapshotRow{
		SequenceNumber: snapshot.SequenceNumber,
		Timestamp:      snapshot.Timestamp,
		Bids:           string(bids),
		Asks:           string(asks),
	}
	if err := p.db.Create(&row).Error; err != nil {
		return fmt.Errorf("%w: store snapshot %d: %v", clob.ErrStorage, snapshot.SequenceNumber, err)
	}
	return nil
}

func (p *PostgresStorage) LatestSnapshot() (*clob.Snapshot, error) {
	var row snapshotRow
	err := p.db.Order("sequence_number DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest snapshot: %v", clob.ErrStorage, err)
	}

	var bids, asks []clob.PriceQuantity
	if err := json.Unmarshal([]byte(row.Bids), &bids); err != nil {
		return nil, fmt.Errorf("%w: decode bids: %v", clob.ErrSerialization, err)
	}
	if err := json.Unmarshal([]byte(row.Asks), &asks); err != nil {
		return nil, fmt.Errorf("%w: decode asks: %v", clob.ErrSerialization, err)
	}
	return &clob.Snapshot{
		Bids:           bids,
		Asks:           asks,
		SequenceNumber: row.SequenceNumber,
		Timestamp:      row.Timestamp,
	}, nil
}
