package clob

import "testing"

func TestDecodeUpdates_FlatList(t *testing.T) {
	raw := []byte(`[{"asset_id":"t1","bids":[["0.42","500"]],"asks":[["0.44","500"]]}]`)
	got := DecodeUpdates(MarketEnvelope{}, raw)
	if len(got) != 1 {
		t.Fatalf("len=%d want=1", len(got))
	}
	if got[0].TokenID != "t1" || !got[0].HasBook {
		t.Fatalf("got=%+v", got[0])
	}
	mid, ok := got[0].Book.MidTick()
	if !ok || mid != 430 {
		t.Fatalf("mid=%d ok=%v want=430", mid, ok)
	}
}

func TestDecodeUpdates_DataWrapper(t *testing.T) {
	raw := []byte(`{"data":[{"token_id":"t2","price":"0.55"}]}`)
	got := DecodeUpdates(MarketEnvelope{}, raw)
	if len(got) != 1 {
		t.Fatalf("len=%d want=1", len(got))
	}
	if got[0].TokenID != "t2" || got[0].HasBook {
		t.Fatalf("got=%+v", got[0])
	}
	if got[0].Price.InexactFloat64() != 0.55 {
		t.Fatalf("price=%s", got[0].Price)
	}
}

func TestDecodeUpdates_PriceChanges(t *testing.T) {
	raw := []byte(`{"price_changes":[{"asset_id":"t3","price":0.31,"side":"BUY"},{"asset_id":"t4","price":"0.69","side":"SELL"}]}`)
	got := DecodeUpdates(MarketEnvelope{}, raw)
	if len(got) != 2 {
		t.Fatalf("len=%d want=2", len(got))
	}
	if got[0].TokenID != "t3" || got[1].TokenID != "t4" {
		t.Fatalf("got=%+v", got)
	}
}

func TestDecodeUpdates_SingleObjectWithEnvelopeToken(t *testing.T) {
	raw := []byte(`{"event_type":"book","bids":[{"price":"0.5","size":"10"}],"asks":[]}`)
	got := DecodeUpdates(MarketEnvelope{AssetID: "t5"}, raw)
	if len(got) != 1 || got[0].TokenID != "t5" || !got[0].HasBook {
		t.Fatalf("got=%+v", got)
	}
}

func TestDecodeUpdates_DropsTokenlessEntries(t *testing.T) {
	raw := []byte(`[{"price":"0.5"}]`)
	if got := DecodeUpdates(MarketEnvelope{}, raw); len(got) != 0 {
		t.Fatalf("got=%+v want empty", got)
	}
}

func TestOrderBook_Normalization(t *testing.T) {
	raw := []byte(`{"bids":[["0.40","5"],["0.42","0"],["0.41","3"]],"asks":[["0.46","2"],["0.44","7"]]}`)
	book, err := parseOrderBook(raw)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	normalizeBook(book)
	if len(book.Bids) != 2 {
		t.Fatalf("bids=%d want=2 (zero-size dropped)", len(book.Bids))
	}
	if bid, _ := book.BestBidTick(); bid != 410 {
		t.Fatalf("best bid=%d want=410", bid)
	}
	if ask, _ := book.BestAskTick(); ask != 440 {
		t.Fatalf("best ask=%d want=440", ask)
	}
}
