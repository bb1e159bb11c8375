package skbuff

import (
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
	"github.com/pkg/errors"
)

// Parse 将原始数据报解析为缓冲区
//
// 校验公共头与校验和后剥离公共头; ODATA/RDATA 继续剥离数据头与选项链,
// 使 Bytes() 恰好为 TSDU 负载。其他类型的 data 游标停在类型相关部分起点。
// 缓冲区接管 datagram, 调用方不得再修改。
func Parse(datagram []byte, now time.Time) (*Buffer, error) {
	pkt, err := protocol.Parse(datagram)
	if err != nil {
		return nil, err
	}

	skb := FromBytes(datagram)
	skb.Tstamp = now
	skb.Header = pkt.Header
	if pkt.Type().IsUpstream() {
		skb.TSI = pkt.Header.UpstreamTSI()
	} else {
		skb.TSI = pkt.Header.TSI()
	}
	skb.Pull(protocol.HeaderSize)

	if !pkt.Type().IsData() {
		return skb, nil
	}

	data, err := protocol.ParseData(skb.Bytes())
	if err != nil {
		return nil, err
	}
	skb.Data = data[:protocol.DataHeaderSize]
	skb.Sequence = data.Sqn()
	skb.Pull(protocol.DataHeaderSize)

	if pkt.Header.HasOptions() {
		opts, err := protocol.ParseOptions(skb.Bytes())
		if err != nil {
			return nil, errors.Wrapf(err, "%s sqn=%d", pkt.Type(), skb.Sequence)
		}
		skb.Fragment = opts.Fragment
		skb.Pull(opts.Length)
	}
	return skb, nil
}
