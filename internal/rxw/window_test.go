package rxw

import (
	"bytes"
	"testing"
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
	"github.com/mrcgq/pgm/internal/skbuff"
)

var (
	testTSI = protocol.TSI{GSI: protocol.GSI{192, 168, 0, 1, 0x12, 0x34}, SPort: 5000}
	t0      = time.Unix(1700000000, 0)
)

func newWindow(t *testing.T, sqns uint32) *Window {
	t.Helper()
	w, err := New(testTSI, protocol.DefaultMaxTPDU, sqns, 0, 0)
	if err != nil {
		t.Fatalf("创建窗口失败: %v", err)
	}
	return w
}

func odata(t *testing.T, sqn, trail protocol.SequenceNumber, payload string, frag *protocol.Fragment) *skbuff.Buffer {
	t.Helper()
	raw, err := protocol.BuildODATA(testTSI, 7500, sqn, trail, []byte(payload), frag)
	if err != nil {
		t.Fatalf("构造 ODATA 失败: %v", err)
	}
	skb, err := skbuff.Parse(raw, t0)
	if err != nil {
		t.Fatalf("解析 ODATA 失败: %v", err)
	}
	return skb
}

func add(t *testing.T, w *Window, sqn protocol.SequenceNumber, payload string) Returns {
	t.Helper()
	trail := w.Trail()
	if !w.IsDefined() {
		trail = sqn
	}
	return w.Add(odata(t, sqn, trail, payload, nil), t0, t0.Add(time.Second))
}

func addFrag(t *testing.T, w *Window, sqn, first protocol.SequenceNumber, offset, apduLen uint32, payload string) Returns {
	t.Helper()
	frag := &protocol.Fragment{FirstSqn: first, Offset: offset, APDULength: apduLen}
	return w.Add(odata(t, sqn, first, payload, frag), t0, t0.Add(time.Second))
}

func expectState(t *testing.T, w *Window, sqn protocol.SequenceNumber, want State) {
	t.Helper()
	e := w.Peek(sqn)
	if e == nil {
		t.Fatalf("序列号 %d 不在窗口内", sqn)
	}
	if e.State() != want {
		t.Fatalf("序列号 %d 状态 = %s, want %s", sqn, e.State(), want)
	}
}

func TestNew(t *testing.T) {
	w := newWindow(t, 100)
	if w.Alloc() != 100 {
		t.Errorf("Alloc = %d, want 100", w.Alloc())
	}
	if w.Lead() != protocol.MaxSequenceNumber || w.Trail() != 0 {
		t.Errorf("初始 lead=%d trail=%d", w.Lead(), w.Trail())
	}
	if !w.IsEmpty() || w.IsDefined() {
		t.Error("初始窗口应为空且未定义")
	}

	w, err := New(testTSI, 1500, 0, 10, 150000)
	if err != nil {
		t.Fatalf("按速率创建失败: %v", err)
	}
	if w.Alloc() != 1000 {
		t.Errorf("Alloc = %d, want 1000", w.Alloc())
	}

	if _, err := New(testTSI, 1500, 0, 0, 0); err == nil {
		t.Error("容量为 0 应当失败")
	}
	if _, err := New(testTSI, 0, 10, 0, 0); err == nil {
		t.Error("max_tpdu 为 0 应当失败")
	}
}

func TestAppendMonotonic(t *testing.T) {
	for _, start := range []protocol.SequenceNumber{0, 0xfffffff0} {
		w := newWindow(t, 100)
		for i := 0; i < 40; i++ {
			sqn := start + protocol.SequenceNumber(i)
			if ret := add(t, w, sqn, "x"); ret != Appended {
				t.Fatalf("start=%d: Add(%d) = %s, want APPENDED", start, sqn, ret)
			}
			if w.Lead() != sqn {
				t.Fatalf("start=%d: lead = %d, want %d", start, w.Lead(), sqn)
			}
		}
		st := w.Stats()
		if st.BackoffQueue != 0 || st.FragmentCount != 40 || st.Length != 40 {
			t.Errorf("start=%d: backoff=%d fragments=%d length=%d", start, st.BackoffQueue, st.FragmentCount, st.Length)
		}
	}
}

func TestGapThenFill(t *testing.T) {
	w := newWindow(t, 100)
	add(t, w, 0, "a")

	expiry := t0.Add(time.Second)
	if ret := add(t, w, 5, "f"); ret != Missing {
		t.Fatalf("Add(5) = %s, want MISSING", ret)
	}
	if w.BackoffQueue().Len() != 4 {
		t.Fatalf("退避队列 = %d, want 4", w.BackoffQueue().Len())
	}
	for sqn := protocol.SequenceNumber(1); sqn <= 4; sqn++ {
		expectState(t, w, sqn, StateBackOff)
		if !w.Peek(sqn).Expiry().Equal(expiry) {
			t.Errorf("序列号 %d 退避到期时间错误", sqn)
		}
	}
	if front := w.BackoffQueue().Front(); front.Sequence() != 1 {
		t.Errorf("队首 = %d, want 1", front.Sequence())
	}

	// 未补齐前只能读出 0
	msgv := make([]Msgv, 8)
	if n, _ := w.Read(msgv); n != 1 {
		t.Fatalf("Read = %d, want 1", n)
	}

	for _, sqn := range []protocol.SequenceNumber{3, 1, 4, 2} {
		if ret := add(t, w, sqn, "p"); ret != Inserted {
			t.Fatalf("Add(%d) = %s, want INSERTED", sqn, ret)
		}
		expectState(t, w, sqn, StateHaveData)
	}
	if w.BackoffQueue().Len() != 0 {
		t.Errorf("补齐后退避队列 = %d", w.BackoffQueue().Len())
	}

	n, b := w.Read(msgv)
	if n != 5 || b != 5 {
		t.Fatalf("Read = (%d, %d), want (5, 5)", n, b)
	}
	if w.CommitLead() != 6 {
		t.Errorf("commitLead = %d, want 6", w.CommitLead())
	}
}

func TestFillStatistics(t *testing.T) {
	w := newWindow(t, 100)
	add(t, w, 0, "a")
	add(t, w, 2, "c")

	w.WaitNCF(1, t0.Add(time.Second))
	w.Add(odata(t, 1, 0, "b", nil), t0.Add(50*time.Millisecond), t0)

	st := w.Stats()
	if st.MinFillTime != 50*time.Millisecond || st.MaxFillTime != 50*time.Millisecond {
		t.Errorf("fill time = %v/%v, want 50ms", st.MinFillTime, st.MaxFillTime)
	}
	if st.MaxNakTransmitCount != 1 {
		t.Errorf("MaxNakTransmitCount = %d, want 1", st.MaxNakTransmitCount)
	}
}

func TestDuplicate(t *testing.T) {
	w := newWindow(t, 100)
	add(t, w, 0, "a")
	add(t, w, 1, "b")

	before := w.Stats()
	if ret := add(t, w, 1, "b"); ret != Duplicate {
		t.Fatalf("Add(1) = %s, want DUPLICATE", ret)
	}
	if after := w.Stats(); after != before {
		t.Errorf("重复数据改变了统计:\n before=%+v\n after=%+v", before, after)
	}

	// 已读取 (提交段内) 仍为重复
	w.Read(make([]Msgv, 4))
	if ret := add(t, w, 0, "a"); ret != Duplicate {
		t.Errorf("提交段内 Add(0) = %s, want DUPLICATE", ret)
	}

	// 后沿之前为越界
	w.RemoveCommit()
	if ret := w.Add(odata(t, 0, 0, "a", nil), t0, t0); ret != Bounds {
		t.Errorf("后沿之前 Add(0) = %s, want BOUNDS", ret)
	}
}

func TestAPDUAtomicity(t *testing.T) {
	w := newWindow(t, 100)

	if ret := addFrag(t, w, 10, 10, 0, 12, "aaaa"); ret != Appended {
		t.Fatalf("Add(10) = %s", ret)
	}
	if ret := addFrag(t, w, 12, 10, 8, 12, "cccc"); ret != Missing {
		t.Fatalf("Add(12) = %s, want MISSING", ret)
	}

	msgv := make([]Msgv, 4)
	if n, _ := w.Read(msgv); n != 0 {
		t.Fatalf("缺少分片时 Read = %d, want 0", n)
	}
	if w.CommitLead() != 10 {
		t.Fatalf("commitLead = %d, want 10", w.CommitLead())
	}

	if ret := addFrag(t, w, 11, 10, 4, 12, "bbbb"); ret != Inserted {
		t.Fatalf("Add(11) = %s, want INSERTED", ret)
	}

	n, b := w.Read(msgv)
	if n != 1 || b != 12 {
		t.Fatalf("Read = (%d, %d), want (1, 12)", n, b)
	}
	if got := msgv[0].Bytes(); !bytes.Equal(got, []byte("aaaabbbbcccc")) {
		t.Errorf("APDU = %q", got)
	}
	if len(msgv[0].Skbs) != 3 || msgv[0].TSI != testTSI {
		t.Errorf("Msgv: %d skbs, tsi %s", len(msgv[0].Skbs), msgv[0].TSI)
	}
	if w.CommitLead() != 13 {
		t.Errorf("commitLead = %d, want 13", w.CommitLead())
	}
	for sqn := protocol.SequenceNumber(10); sqn <= 12; sqn++ {
		expectState(t, w, sqn, StateCommitData)
	}

	st := w.Stats()
	if st.BytesDelivered != 12 || st.MsgsDelivered != 1 || st.CommittedCount != 3 {
		t.Errorf("bytes=%d msgs=%d committed=%d", st.BytesDelivered, st.MsgsDelivered, st.CommittedCount)
	}
}

func TestAPDUPoisoned(t *testing.T) {
	t.Run("APDU 长度不一致", func(t *testing.T) {
		w := newWindow(t, 100)
		addFrag(t, w, 10, 10, 0, 12, "aaaa")
		addFrag(t, w, 11, 10, 4, 16, "bbbb")

		if n, _ := w.Read(make([]Msgv, 4)); n != 0 {
			t.Fatalf("Read = %d, want 0", n)
		}
		if w.CumulativeLosses() != 2 {
			t.Errorf("cumulativeLosses = %d, want 2", w.CumulativeLosses())
		}
		if !w.IsEmpty() {
			t.Errorf("残余分片应被清除: trail=%d lead=%d", w.Trail(), w.Lead())
		}
	})

	t.Run("偏移不连续", func(t *testing.T) {
		w := newWindow(t, 100)
		addFrag(t, w, 10, 10, 0, 8, "aaaa")
		addFrag(t, w, 11, 10, 6, 8, "bbbb")
		add(t, w, 12, "single")

		msgv := make([]Msgv, 4)
		n, _ := w.Read(msgv)
		if n != 1 || string(msgv[0].Bytes()) != "single" {
			t.Fatalf("Read = %d, msg %q", n, msgv[0].Bytes())
		}
	})

	t.Run("分片已丢失", func(t *testing.T) {
		w := newWindow(t, 100)
		addFrag(t, w, 0, 0, 0, 8, "aaaa")
		for i, payload := range []string{"c", "d", "e", "f"} {
			add(t, w, protocol.SequenceNumber(2+i), payload)
		}
		expectState(t, w, 1, StateBackOff)
		w.MarkLost(1)

		msgv := make([]Msgv, 8)
		n, _ := w.Read(msgv)
		if n != 4 {
			t.Fatalf("Read = %d, want 4", n)
		}
		var got string
		for i := 0; i < n; i++ {
			got += string(msgv[i].Bytes())
		}
		if got != "cdef" {
			t.Errorf("交付内容 = %q, want %q", got, "cdef")
		}
		if w.CommitLead() != 6 {
			t.Errorf("commitLead = %d, want 6", w.CommitLead())
		}
		if w.CumulativeLosses() != 2 {
			t.Errorf("cumulativeLosses = %d, want 2", w.CumulativeLosses())
		}
	})

	t.Run("分片数超限", func(t *testing.T) {
		w := newWindow(t, 100)
		apdu := uint32(protocol.MaxFragments + 1)
		for i := uint32(0); i <= uint32(protocol.MaxFragments); i++ {
			addFrag(t, w, protocol.SequenceNumber(i), 0, i, apdu, "x")
		}
		if n, _ := w.Read(make([]Msgv, 4)); n != 0 {
			t.Fatalf("Read = %d, want 0", n)
		}
		if w.CumulativeLosses() == 0 {
			t.Error("超过分片上限应计为丢失")
		}
	})
}

func TestJoinMidAPDU(t *testing.T) {
	w := newWindow(t, 100)

	// 首个数据包属于已开始的 APDU
	if ret := addFrag(t, w, 10, 8, 8, 12, "cccc"); ret != Bounds {
		t.Fatalf("Add(10) = %s, want BOUNDS", ret)
	}
	expectState(t, w, 10, StateLostData)

	add(t, w, 11, "next")
	msgv := make([]Msgv, 4)
	n, _ := w.Read(msgv)
	if n != 1 || string(msgv[0].Bytes()) != "next" {
		t.Fatalf("Read = %d, msg %q", n, msgv[0].Bytes())
	}
}

func TestForcedEviction(t *testing.T) {
	w := newWindow(t, 4)
	for sqn := protocol.SequenceNumber(0); sqn < 4; sqn++ {
		add(t, w, sqn, "x")
	}
	if !w.IsFull() {
		t.Fatal("窗口应已满")
	}

	if ret := add(t, w, 4, "x"); ret != Appended {
		t.Fatalf("Add(4) = %s, want APPENDED", ret)
	}
	if w.Trail() != 1 || w.CommitLead() != 1 || w.Length() != 4 {
		t.Errorf("trail=%d commitLead=%d length=%d", w.Trail(), w.CommitLead(), w.Length())
	}
	if w.CumulativeLosses() != 1 {
		t.Errorf("cumulativeLosses = %d, want 1", w.CumulativeLosses())
	}
	if w.Size() != 4 {
		t.Errorf("size = %d, want 4", w.Size())
	}
}

func TestCommitLocksTrail(t *testing.T) {
	w := newWindow(t, 4)
	for sqn := protocol.SequenceNumber(0); sqn < 4; sqn++ {
		add(t, w, sqn, "x")
	}
	w.Read(make([]Msgv, 4))

	if ret := add(t, w, 4, "x"); ret != Bounds {
		t.Fatalf("提交段未释放时 Add(4) = %s, want BOUNDS", ret)
	}

	w.RemoveCommit()
	if ret := add(t, w, 4, "x"); ret != Appended {
		t.Fatalf("释放后 Add(4) = %s, want APPENDED", ret)
	}
	if w.CumulativeLosses() != 0 {
		t.Errorf("已交付数据不应计为丢失: %d", w.CumulativeLosses())
	}
}

func TestSlowConsumer(t *testing.T) {
	w := newWindow(t, 8)
	for sqn := protocol.SequenceNumber(0); sqn < 4; sqn++ {
		add(t, w, sqn, "x")
	}
	w.Read(make([]Msgv, 4))

	if ret := add(t, w, 10, "x"); ret != SlowConsumer {
		t.Fatalf("Add(10) = %s, want SLOW_CONSUMER", ret)
	}
	if w.Lead() != 7 {
		t.Errorf("lead = %d, want 7", w.Lead())
	}
	if w.Trail() != 0 {
		t.Errorf("提交段不应被移出: trail = %d", w.Trail())
	}
}

func TestTrailJumpOnEmptyWindow(t *testing.T) {
	w := newWindow(t, 100)

	if n := w.Update(100, 90, t0, t0); n != 0 {
		t.Fatalf("定义窗口 Update = %d, want 0", n)
	}
	if w.Trail() != 101 || !w.IsConstrained() || !w.IsEmpty() {
		t.Fatalf("trail=%d constrained=%v empty=%v", w.Trail(), w.IsConstrained(), w.IsEmpty())
	}

	if n := w.Update(999, 1000, t0, t0); n != 0 {
		t.Fatalf("Update = %d, want 0", n)
	}
	st := w.Stats()
	if st.Trail != 1000 || st.CommitLead != 1000 || st.Lead != 999 {
		t.Errorf("trail=%d commitLead=%d lead=%d", st.Trail, st.CommitLead, st.Lead)
	}
	if st.CumulativeLosses != 899 {
		t.Errorf("cumulativeLosses = %d, want 899", st.CumulativeLosses)
	}
	if st.BackoffQueue+st.WaitNCFQueue+st.WaitDataQueue != 0 {
		t.Error("跳跃不应产生占位")
	}
	if st.Constrained {
		t.Error("后沿越过初始值后应解除约束")
	}
}

func TestUpdateConstrained(t *testing.T) {
	w := newWindow(t, 100)
	w.Update(100, 90, t0, t0)

	// 后沿未越过初始值: 忽略后沿, 仍按前沿追加占位
	if n := w.Update(110, 95, t0, t0); n != 10 {
		t.Fatalf("Update = %d, want 10", n)
	}
	if w.Trail() != 101 || w.RxwTrail() != 101 {
		t.Errorf("trail=%d rxwTrail=%d", w.Trail(), w.RxwTrail())
	}
	if w.BackoffQueue().Len() != 10 {
		t.Errorf("退避队列 = %d, want 10", w.BackoffQueue().Len())
	}

	// 后沿不后退
	w.Update(110, 90, t0, t0)
	if w.RxwTrail() != 101 {
		t.Errorf("rxwTrail 后退到 %d", w.RxwTrail())
	}
}

func TestUpdateLeadBoundedByCommit(t *testing.T) {
	w := newWindow(t, 8)
	for sqn := protocol.SequenceNumber(0); sqn < 4; sqn++ {
		add(t, w, sqn, "x")
	}
	w.Read(make([]Msgv, 4))

	if n := w.Update(100, 0, t0, t0); n != 4 {
		t.Fatalf("Update = %d, want 4", n)
	}
	if w.Lead() != 7 {
		t.Errorf("lead = %d, want 7", w.Lead())
	}
	if n := w.Update(200, 0, t0, t0); n != 0 {
		t.Errorf("窗口已满时 Update = %d, want 0", n)
	}
}

// farAheadWindow 已交付 0..3, 4 为占位, 5 待读, 提交段为空
func farAheadWindow(t *testing.T) *Window {
	t.Helper()
	w := newWindow(t, 1000)
	for sqn := protocol.SequenceNumber(0); sqn < 4; sqn++ {
		add(t, w, sqn, "x")
	}
	w.Read(make([]Msgv, 4))
	w.RemoveCommit()
	add(t, w, 5, "y")
	return w
}

func TestFarAheadLeadBounded(t *testing.T) {
	const far = protocol.SequenceNumber(1 << 26)

	t.Run("SPM 前沿跳跃", func(t *testing.T) {
		w := farAheadWindow(t)

		start := time.Now()
		n := w.Update(far, 0, t0, t0.Add(time.Second))
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("Update 耗时 %s", elapsed)
		}

		trail := far + 1 - protocol.SequenceNumber(w.Alloc())
		if n != w.Alloc() {
			t.Errorf("Update = %d, want %d", n, w.Alloc())
		}
		st := w.Stats()
		if st.Lead != far || st.Trail != trail || st.CommitLead != trail {
			t.Errorf("lead=%d trail=%d commitLead=%d", st.Lead, st.Trail, st.CommitLead)
		}
		if w.Length() != w.Alloc() || st.BackoffQueue != int(w.Alloc()) {
			t.Errorf("length=%d backoff=%d", w.Length(), st.BackoffQueue)
		}
		// [4, trail) 每个序列号恰好计一次
		if want := uint32(trail - 4); st.CumulativeLosses != want {
			t.Errorf("cumulativeLosses = %d, want %d", st.CumulativeLosses, want)
		}
		if w.Size() != 0 {
			t.Errorf("被移出的缓冲区未释放: size = %d", w.Size())
		}
		if !w.HasEvent() {
			t.Error("跳过序列号应产生事件")
		}
	})

	t.Run("数据包远超前沿", func(t *testing.T) {
		w := farAheadWindow(t)

		start := time.Now()
		ret := add(t, w, far, "z")
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("Add 耗时 %s", elapsed)
		}
		if ret != Missing {
			t.Fatalf("Add = %s, want MISSING", ret)
		}

		trail := far + 1 - protocol.SequenceNumber(w.Alloc())
		if w.Lead() != far || w.Trail() != trail || w.Length() != w.Alloc() {
			t.Errorf("lead=%d trail=%d length=%d", w.Lead(), w.Trail(), w.Length())
		}
		if w.BackoffQueue().Len() != int(w.Alloc())-1 {
			t.Errorf("退避队列 = %d, want %d", w.BackoffQueue().Len(), w.Alloc()-1)
		}
		expectState(t, w, far, StateHaveData)
		if want := uint32(trail - 4); w.CumulativeLosses() != want {
			t.Errorf("cumulativeLosses = %d, want %d", w.CumulativeLosses(), want)
		}
	})

	t.Run("提交段未释放时不跳跃", func(t *testing.T) {
		w := newWindow(t, 8)
		for sqn := protocol.SequenceNumber(0); sqn < 4; sqn++ {
			add(t, w, sqn, "x")
		}
		w.Read(make([]Msgv, 4))

		if n := w.Update(far, 0, t0, t0); n != 4 {
			t.Fatalf("Update = %d, want 4", n)
		}
		if w.Trail() != 0 || w.CumulativeLosses() != 0 {
			t.Errorf("trail=%d cumulativeLosses=%d", w.Trail(), w.CumulativeLosses())
		}
	})
}

func TestTrailAdvanceMarksLost(t *testing.T) {
	w := newWindow(t, 100)
	add(t, w, 0, "a")
	add(t, w, 5, "f")

	// 数据包通告后沿 3: 1, 2 不可恢复
	w.Add(odata(t, 6, 3, "g", nil), t0, t0)
	expectState(t, w, 1, StateLostData)
	expectState(t, w, 2, StateLostData)
	expectState(t, w, 3, StateBackOff)
	if w.CumulativeLosses() != 2 {
		t.Fatalf("cumulativeLosses = %d, want 2", w.CumulativeLosses())
	}

	msgv := make([]Msgv, 8)
	if n, _ := w.Read(msgv); n != 1 {
		t.Fatalf("Read = %d, want 1", n)
	}

	// 0 在提交段内, 丢失的 1 锁定后沿
	if w.Trail() != 0 || w.CommitLead() != 1 {
		t.Fatalf("trail=%d commitLead=%d", w.Trail(), w.CommitLead())
	}

	w.RemoveCommit()
	if n, _ := w.Read(msgv); n != 0 {
		t.Fatalf("Read = %d, want 0", n)
	}
	if w.Trail() != 3 || w.CommitLead() != 3 {
		t.Errorf("trail=%d commitLead=%d, want 3/3", w.Trail(), w.CommitLead())
	}
	if w.CumulativeLosses() != 2 {
		t.Errorf("移出丢失槽位不应重复计数: %d", w.CumulativeLosses())
	}
}

func TestConfirm(t *testing.T) {
	w := newWindow(t, 100)
	rdata := t0.Add(2 * time.Second)

	if ret := w.Confirm(1, t0, rdata, t0); ret != Bounds {
		t.Fatalf("未定义窗口 Confirm = %s, want BOUNDS", ret)
	}

	add(t, w, 0, "a")
	add(t, w, 5, "f")

	if ret := w.Confirm(2, t0, rdata, t0); ret != Updated {
		t.Fatalf("Confirm(2) = %s, want UPDATED", ret)
	}
	expectState(t, w, 2, StateWaitData)
	if !w.Peek(2).Expiry().Equal(rdata) {
		t.Error("WAIT_DATA 到期时间错误")
	}
	if w.WaitDataQueue().Len() != 1 || w.BackoffQueue().Len() != 3 {
		t.Errorf("队列: wait_data=%d backoff=%d", w.WaitDataQueue().Len(), w.BackoffQueue().Len())
	}

	if ret := w.Confirm(0, t0, rdata, t0); ret != Duplicate {
		t.Errorf("Confirm(0) = %s, want DUPLICATE", ret)
	}

	if ret := w.Confirm(8, t0, rdata, t0); ret != Appended {
		t.Fatalf("Confirm(8) = %s, want APPENDED", ret)
	}
	expectState(t, w, 6, StateBackOff)
	expectState(t, w, 7, StateBackOff)
	expectState(t, w, 8, StateWaitData)

	if ret := add(t, w, 8, "h"); ret != Inserted {
		t.Errorf("Add(8) = %s, want INSERTED", ret)
	}
}

func TestNakTransitions(t *testing.T) {
	w := newWindow(t, 100)
	add(t, w, 0, "a")
	w.Add(odata(t, 3, 0, "d", nil), t0, t0.Add(100*time.Millisecond))

	next, ok := w.NextExpiry()
	if !ok || !next.Equal(t0.Add(100*time.Millisecond)) {
		t.Fatalf("NextExpiry = %v, %v", next, ok)
	}

	w.WaitNCF(1, t0.Add(time.Second))
	expectState(t, w, 1, StateWaitNCF)
	if w.Peek(1).NakTransmitCount() != 1 {
		t.Errorf("NakTransmitCount = %d", w.Peek(1).NakTransmitCount())
	}

	w.Backoff(1, t0.Add(2*time.Second))
	expectState(t, w, 1, StateBackOff)
	if w.Peek(1).NCFRetryCount() != 1 {
		t.Errorf("NCFRetryCount = %d", w.Peek(1).NCFRetryCount())
	}
	if front := w.BackoffQueue().Front(); front.Sequence() != 2 {
		t.Errorf("重新入队应排在队尾, 队首 = %d", front.Sequence())
	}

	w.Confirm(2, t0, t0.Add(time.Second), t0)
	w.Backoff(2, t0)
	if w.Peek(2).DataRetryCount() != 1 {
		t.Errorf("DataRetryCount = %d", w.Peek(2).DataRetryCount())
	}

	w.MarkLost(1)
	w.MarkLost(1)
	expectState(t, w, 1, StateLostData)
	if w.Stats().LostCount != 1 {
		t.Errorf("LostCount = %d", w.Stats().LostCount)
	}

	var seen []protocol.SequenceNumber
	w.BackoffQueue().Each(func(e *Entry) bool {
		seen = append(seen, e.Sequence())
		return true
	})
	if len(seen) != 1 || seen[0] != 2 {
		t.Errorf("退避队列 = %v, want [2]", seen)
	}

	defer func() {
		if recover() == nil {
			t.Error("对 HAVE_DATA 调用 WaitNCF 应 panic")
		}
	}()
	w.WaitNCF(0, t0)
}

func TestNextExpiryScansBackoff(t *testing.T) {
	w := newWindow(t, 100)
	add(t, w, 0, "a")
	w.Add(odata(t, 3, 0, "d", nil), t0, t0.Add(500*time.Millisecond))

	// 重新退避的 2 排在队尾, 但随机退避使其先到期
	w.WaitNCF(2, t0.Add(time.Second))
	w.Backoff(2, t0.Add(100*time.Millisecond))
	if front := w.BackoffQueue().Front(); front.Sequence() != 1 {
		t.Fatalf("队首 = %d, want 1", front.Sequence())
	}

	next, ok := w.NextExpiry()
	if !ok || !next.Equal(t0.Add(100*time.Millisecond)) {
		t.Errorf("NextExpiry = %v, %v, want %v", next, ok, t0.Add(100*time.Millisecond))
	}
}

func TestAddMalformed(t *testing.T) {
	w := newWindow(t, 100)

	skb := odata(t, 0, 0, "abc", nil)
	skb.Header.SetTSDULength(99)
	if ret := w.Add(skb, t0, t0); ret != Malformed {
		t.Errorf("TSDU 长度不符 = %s, want MALFORMED", ret)
	}

	skb = odata(t, 0, 0, "abc", nil)
	skb.Header.SetOptions(skb.Header.Options() | protocol.OptParity)
	if ret := w.Add(skb, t0, t0); ret != Malformed {
		t.Errorf("奇偶校验包 = %s, want MALFORMED", ret)
	}

	skb = odata(t, 5, 5, "abcdef", &protocol.Fragment{FirstSqn: 5, APDULength: 3})
	if ret := w.Add(skb, t0, t0); ret != Malformed {
		t.Errorf("APDU 长度小于负载 = %s, want MALFORMED", ret)
	}

	skb = odata(t, 5, 5, "abc", &protocol.Fragment{FirstSqn: 6, APDULength: 6})
	if ret := w.Add(skb, t0, t0); ret != Malformed {
		t.Errorf("首序列号在后 = %s, want MALFORMED", ret)
	}

	skb = odata(t, 5, 5, "abc", &protocol.Fragment{FirstSqn: 5, APDULength: protocol.MaxAPDU + 1})
	if ret := w.Add(skb, t0, t0); ret != Malformed {
		t.Errorf("APDU 超长 = %s, want MALFORMED", ret)
	}

	if w.IsDefined() {
		t.Error("被拒绝的包不应定义窗口")
	}

	// APDU 长度等于负载: 视为单包
	skb = odata(t, 5, 5, "abc", &protocol.Fragment{FirstSqn: 5, APDULength: 3})
	if ret := w.Add(skb, t0, t0); ret != Appended {
		t.Fatalf("单包 APDU = %s, want APPENDED", ret)
	}
	if skb.IsFragment() {
		t.Error("分片选项应被移除")
	}
}

func TestAddBoundsFromTrail(t *testing.T) {
	w := newWindow(t, 100)
	sqn := protocol.SequenceNumber(10)
	skb := odata(t, sqn, sqn-maxSqnDistance, "x", nil)
	if ret := w.Add(skb, t0, t0); ret != Bounds {
		t.Errorf("Add = %s, want BOUNDS", ret)
	}
}

func TestReadLimitedByMsgv(t *testing.T) {
	w := newWindow(t, 100)
	for sqn := protocol.SequenceNumber(0); sqn < 3; sqn++ {
		add(t, w, sqn, "m")
	}

	msgv := make([]Msgv, 2)
	if n, _ := w.Read(msgv); n != 2 {
		t.Fatalf("Read = %d, want 2", n)
	}
	if n, _ := w.Read(msgv); n != 1 {
		t.Fatalf("Read = %d, want 1", n)
	}
	if n, _ := w.Read(msgv); n != 0 {
		t.Fatalf("Read = %d, want 0", n)
	}

	if !w.HasEvent() {
		t.Error("应有事件")
	}
	w.ClearEvent()
	if w.HasEvent() {
		t.Error("清除后不应有事件")
	}
}
