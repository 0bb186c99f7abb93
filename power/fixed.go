package power

import "go-demos/scheduler"

// fixed 在创建时把所有集群设置为固定频率，之后不再调整
type fixed struct {
	base
}

// NewLow 让所有集群一直运行在最低频率
func NewLow(clusters []Cluster) (Policy, error) {
	p := &fixed{base{name: "low", clusters: clusters}}
	if err := p.setAll(minFreq); err != nil {
		return nil, err
	}
	return p, nil
}

// NewHigh 让所有集群一直运行在最高频率
func NewHigh(clusters []Cluster) (Policy, error) {
	p := &fixed{base{name: "high", clusters: clusters}}
	if err := p.setAll(maxFreq); err != nil {
		return nil, err
	}
	return p, nil
}

// minBE 让 SC 分区运行在最高频率，BE 分区运行在最低频率
type minBE struct {
	base
}

// NewMinBE 创建 minbe 策略，初始化阶段运行在最高频率
func NewMinBE(clusters []Cluster) (Policy, error) {
	p := &minBE{base{name: "minbe", clusters: clusters}}
	if err := p.setAll(maxFreq); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *minBE) Handle(ev scheduler.Event) error {
	switch ev.Kind {
	case scheduler.SCStart:
		return p.setAll(maxFreq)
	case scheduler.BEStart:
		return p.setAll(minFreq)
	}
	return nil
}
